package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/2389/coven-panel/internal/auth"
	"github.com/2389/coven-panel/internal/config"
)

// initOperator is the operator name of the token written by init.
const initOperator = "admin"

func newInitCommand(ctx *commandContext) *cobra.Command {
	var defaults, force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a new config file interactively",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := cmd.InOrStdin()
			if defaults {
				in = strings.NewReader("")
			}
			return runInit(bufio.NewReader(in), cmd.OutOrStdout(), ctx.configPath(), force)
		},
	}
	cmd.Flags().BoolVar(&defaults, "defaults", false, "Accept every default without prompting")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing config file")
	return cmd
}

func runInit(reader *bufio.Reader, out io.Writer, defaultConfigPath string, force bool) error {
	fmt.Fprintln(out, "coven-panel configuration setup")
	fmt.Fprintln(out, "===============================")
	fmt.Fprintln(out)

	defaultDBPath := filepath.Join(config.DataDir(), "panel.db")

	outputFile := prompt(reader, out, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil && !force {
		if !yes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	httpAddr := prompt(reader, out, "HTTP address", config.DefaultHTTPAddr)

	fmt.Fprintln(out, "\n--- Database Configuration ---")
	dbPath := prompt(reader, out, "SQLite database path", defaultDBPath)

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	tailscaleEnabled := yes(prompt(reader, out, "Enable Tailscale?", "no"))

	var tsHostname, tsAuthKey string
	var tsEphemeral, tsDialDaemons bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, out, "Tailscale hostname", "coven-panel")
		tsAuthKey = prompt(reader, out, "Tailscale auth key (leave empty to use TS_AUTHKEY)", "")
		tsEphemeral = yes(prompt(reader, out, "Ephemeral node?", "no"))
		tsDialDaemons = yes(prompt(reader, out, "Reach daemons through the tailnet?", "no"))
	}

	fmt.Fprintln(out, "\n--- API Authentication ---")
	var jwtSecret string
	if yes(prompt(reader, out, "Require bearer tokens on the API?", "yes")) {
		secret, err := generateSecret()
		if err != nil {
			return err
		}
		jwtSecret = secret
	}

	fmt.Fprintln(out, "\n--- Daemons ---")
	sweepInterval := prompt(reader, out, "Reconnect sweep interval", config.DefaultSweepInterval.String())
	requestTimeout := prompt(reader, out, "Request timeout", config.DefaultRequestTimeout.String())

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	logLevel := prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, out, "Log format (text/json)", "text")

	var cfg strings.Builder
	cfg.WriteString("# coven-panel configuration\n")
	cfg.WriteString("# Generated by coven-panel init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n\n", httpAddr)

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n\n", dbPath)

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", tailscaleEnabled)
	if tailscaleEnabled {
		fmt.Fprintf(&cfg, "  hostname: %q\n", tsHostname)
		if tsAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", tsAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", tsEphemeral)
		fmt.Fprintf(&cfg, "  dial_daemons: %t\n", tsDialDaemons)
	}
	cfg.WriteString("\n")

	cfg.WriteString("auth:\n")
	fmt.Fprintf(&cfg, "  jwt_secret: %q\n\n", jwtSecret)

	cfg.WriteString("daemons:\n")
	fmt.Fprintf(&cfg, "  sweep_interval: %q\n", sweepInterval)
	fmt.Fprintf(&cfg, "  request_timeout: %q\n", requestTimeout)
	cfg.WriteString("  fail_pending_on_teardown: false\n\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", logLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", logFormat)

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Catch typos before the user tries to serve.
	if _, err := config.Load(outputFile); err != nil {
		return fmt.Errorf("generated config is invalid: %w", err)
	}

	dataDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintf(out, "Data directory: %s\n", dataDir)

	if jwtSecret != "" {
		token, err := auth.NewJWTVerifier([]byte(jwtSecret)).Generate(initOperator, defaultTokenTTL)
		if err != nil {
			return fmt.Errorf("generating token: %w", err)
		}
		tokenPath, err := writeTokenFile(outputFile, token)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "API token: %s\n", tokenPath)
	}

	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  coven-panel serve")
	return nil
}

func generateSecret() (string, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(secretBytes), nil
}

func yes(answer string) bool {
	a := strings.ToLower(answer)
	return a == "yes" || a == "y"
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// On EOF or error, return default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
