// Package auth gates the panel HTTP API behind bearer tokens.
//
// Tokens are HS256 JWTs signed with auth.jwt_secret; the "sub" claim names
// the operator. BearerMiddleware verifies the token on every request and
// exposes the operator through OperatorFromContext. Issue tokens with
// "coven-panel token <name>".
package auth
