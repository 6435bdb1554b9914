package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-panel/internal/auth"
)

// defaultTokenTTL is how long issued tokens stay valid unless --ttl says otherwise.
const defaultTokenTTL = 30 * 24 * time.Hour

func newTokenCommand(ctx *commandContext) *cobra.Command {
	var (
		ttl  time.Duration
		save bool
	)
	cmd := &cobra.Command{
		Use:   "token <operator>",
		Short: "Issue a bearer token for the panel API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			operator := strings.TrimSpace(args[0])
			if operator == "" {
				return errors.New("operator name cannot be empty")
			}

			cfg, err := ctx.ensureConfig()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret not configured in %s", ctx.configPath())
			}

			token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(operator, ttl)
			if err != nil {
				return fmt.Errorf("generating token: %w", err)
			}

			out := cmd.OutOrStdout()
			if !save {
				fmt.Fprintln(out, token)
				return nil
			}

			path, err := writeTokenFile(ctx.configPath(), token)
			if err != nil {
				return err
			}
			green := color.New(color.FgGreen)
			green.Fprintf(out, "  ✓ Saved token for %s: %s", operator, path)
			if ttl > 0 {
				fmt.Fprintf(out, " (expires %s)", time.Now().Add(ttl).UTC().Format("Jan 02, 2006"))
			}
			fmt.Fprintln(out)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", defaultTokenTTL, "Token lifetime (0 for no expiry)")
	cmd.Flags().BoolVar(&save, "save", false, "Save the token beside the config file for client commands")
	return cmd
}

// writeTokenFile saves token next to the config so client commands pick it up.
func writeTokenFile(configPath, token string) (string, error) {
	path := filepath.Join(filepath.Dir(configPath), tokenFileName)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(token), 0600); err != nil {
		return "", fmt.Errorf("writing token file: %w", err)
	}
	return path, nil
}
