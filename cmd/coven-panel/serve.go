package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-panel/internal/logging"
	"github.com/2389/coven-panel/internal/panel"
)

func newServeCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the panel server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, ctx)
		},
	}
}

func runServe(cmd *cobra.Command, ctx *commandContext) error {
	configPath := ctx.configPath()

	cyan := color.New(color.FgCyan)
	gray := color.New(color.FgHiBlack)
	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := ctx.ensureConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, flush, err := logging.Setup(cfg.Logging, version)
	if err != nil {
		return fmt.Errorf("setting up logging: %w", err)
	}
	defer flush()

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.DialDaemons {
			yellow.Print(" [dial daemons]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	} else {
		green.Print("    ▶ ")
		fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Println("    ! API auth disabled (no auth.jwt_secret)")
	}
	fmt.Println()

	logger.Info("starting coven-panel",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"sweep_interval", cfg.Daemons.SweepInterval,
	)

	p, err := panel.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating panel: %w", err)
	}

	return p.Run(cmd.Context())
}
