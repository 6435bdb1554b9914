package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/coven-panel/internal/panel"
	"github.com/2389/coven-panel/internal/registry"
	"github.com/2389/coven-panel/internal/remote"
)

func newDaemonsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "daemons",
		Aliases: []string{"daemon"},
		Short:   "Manage daemons on a running panel",
	}
	cmd.AddCommand(
		newDaemonsListCommand(ctx),
		newDaemonsAddCommand(ctx),
		newDaemonsRemoveCommand(ctx),
		newDaemonsReconnectCommand(ctx),
		newDaemonsRequestCommand(ctx),
	)
	return cmd
}

func newDaemonsListCommand(ctx *commandContext) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered daemons",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			var daemons []registry.Status
			if err := client.call(cmd.Context(), http.MethodGet, "/api/daemons", nil, &daemons, http.StatusOK); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(daemons)
			}
			if len(daemons) == 0 {
				fmt.Fprintln(out, "No daemons registered")
				return nil
			}
			fmt.Fprintln(out, renderDaemons(daemons))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}

func renderDaemons(daemons []registry.Status) string {
	rows := make([][]string, 0, len(daemons))
	for _, d := range daemons {
		available := color.RedString("no")
		if d.Available {
			available = color.GreenString("yes")
		}
		rows = append(rows, []string{
			d.ID,
			remote.Endpoint{Host: d.Host, Port: d.Port}.String(),
			d.State.String(),
			available,
			d.Remarks,
		})
	}
	return renderTable(
		[]string{"ID", "Address", "State", "Available", "Remarks"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft},
	)
}

func newDaemonsAddCommand(ctx *commandContext) *cobra.Command {
	var req registry.AddRequest
	cmd := &cobra.Command{
		Use:   "add <host>",
		Short: "Register a daemon and start connecting to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			req.Host = args[0]

			var status registry.Status
			if err := client.call(cmd.Context(), http.MethodPost, "/api/daemons", req, &status, http.StatusCreated); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Added daemon %s (%s)\n", status.ID, remote.Endpoint{Host: status.Host, Port: status.Port})
			return nil
		},
	}
	cmd.Flags().IntVarP(&req.Port, "port", "p", remote.DefaultPort, "Daemon port")
	cmd.Flags().StringVarP(&req.Credential, "key", "k", "", "Daemon access key")
	cmd.Flags().StringVar(&req.Remarks, "remarks", "", "Free-form note")
	return cmd
}

func newDaemonsRemoveCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Disconnect and forget a daemon",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.call(cmd.Context(), http.MethodDelete, "/api/daemons/"+url.PathEscape(args[0]), nil, nil, http.StatusNoContent); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed daemon %s\n", args[0])
			return nil
		},
	}
}

func newDaemonsReconnectCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "reconnect <id>",
		Short: "Drop and re-establish a daemon's connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}
			if err := client.call(cmd.Context(), http.MethodPost, "/api/daemons/"+url.PathEscape(args[0])+"/reconnect", nil, nil, http.StatusAccepted); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reconnecting daemon %s\n", args[0])
			return nil
		},
	}
}

func newDaemonsRequestCommand(ctx *commandContext) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "request <id> <event> [json-data]",
		Short: "Send one request to a daemon and print the reply",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.client()
			if err != nil {
				return err
			}

			body := panel.RequestBody{Event: args[1], TimeoutMS: int(timeout / time.Millisecond)}
			if len(args) == 3 {
				if !json.Valid([]byte(args[2])) {
					// Bare words are sent as JSON strings.
					quoted, err := json.Marshal(args[2])
					if err != nil {
						return err
					}
					body.Data = quoted
				} else {
					body.Data = json.RawMessage(args[2])
				}
			}

			var resp panel.RequestResponse
			if err := client.call(cmd.Context(), http.MethodPost, "/api/daemons/"+url.PathEscape(args[0])+"/request", body, &resp, http.StatusOK); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(resp.Data))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Override the panel's request timeout")
	return cmd
}
