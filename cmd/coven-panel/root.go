package main

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/2389/coven-panel/internal/config"
)

// tokenFileName sits next to the config file and holds the CLI's bearer token.
const tokenFileName = "panel-token"

type commandContext struct {
	configFlag string
	urlFlag    string
	tokenFlag  string

	configOnce sync.Once
	config     *config.Config
	configErr  error
}

func newRootCommand() *cobra.Command {
	ctx := &commandContext{}

	rootCmd := &cobra.Command{
		Use:           "coven-panel",
		Short:         "Control panel for coven daemons",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&ctx.configFlag, "config", "c", "", "Configuration file path (default: $COVEN_PANEL_CONFIG or ~/.config/coven/panel.yaml)")
	flags.StringVar(&ctx.urlFlag, "url", "", "Panel base URL for client commands (default: derived from config)")
	flags.StringVar(&ctx.tokenFlag, "token", "", "Bearer token for client commands (default: $COVEN_PANEL_TOKEN or the saved token file)")

	rootCmd.AddCommand(newServeCommand(ctx))
	rootCmd.AddCommand(newInitCommand(ctx))
	rootCmd.AddCommand(newHealthCommand(ctx))
	rootCmd.AddCommand(newTokenCommand(ctx))
	rootCmd.AddCommand(newDaemonsCommand(ctx))

	return rootCmd
}

func (c *commandContext) configPath() string {
	if p := strings.TrimSpace(c.configFlag); p != "" {
		return p
	}
	return config.ResolvePath()
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		c.config, c.configErr = config.Load(c.configPath())
	})
	return c.config, c.configErr
}

// baseURL returns where client commands reach the panel.
func (c *commandContext) baseURL() (string, error) {
	if u := strings.TrimSpace(c.urlFlag); u != "" {
		return strings.TrimSuffix(u, "/"), nil
	}
	cfg, err := c.ensureConfig()
	if err != nil {
		return "", err
	}
	if cfg.Tailscale.Enabled {
		return "http://" + cfg.Tailscale.Hostname, nil
	}
	return "http://" + cfg.Server.HTTPAddr, nil
}

// bearerToken resolves the token for client commands.
// Priority: --token > COVEN_PANEL_TOKEN > token file beside the config.
func (c *commandContext) bearerToken() string {
	if t := strings.TrimSpace(c.tokenFlag); t != "" {
		return t
	}
	if t := strings.TrimSpace(os.Getenv("COVEN_PANEL_TOKEN")); t != "" {
		return t
	}
	data, err := os.ReadFile(filepath.Join(filepath.Dir(c.configPath()), tokenFileName))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (c *commandContext) client() (*apiClient, error) {
	base, err := c.baseURL()
	if err != nil {
		return nil, err
	}
	return newAPIClient(base, c.bearerToken()), nil
}
