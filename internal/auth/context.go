// ABOUTME: Carries the authenticated operator through request handlers
// ABOUTME: Provides WithOperator/OperatorFromContext for propagating identity via context

package auth

import "context"

type operatorKey struct{}

// WithOperator returns a new context carrying the operator name.
func WithOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorKey{}, operator)
}

// OperatorFromContext returns the operator name, or "" when the request was
// not authenticated (for example when the API runs without a secret).
func OperatorFromContext(ctx context.Context) string {
	operator, _ := ctx.Value(operatorKey{}).(string)
	return operator
}
