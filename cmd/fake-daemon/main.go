// ABOUTME: Minimal fake daemon for E2E testing, speaking the panel's WebSocket protocol.
// ABOUTME: Usage: fake-daemon [-addr :24444] [-key secret] [-instance demo] [-interval 1s]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/2389/coven-panel/internal/config"
	"github.com/2389/coven-panel/internal/logging"
	"github.com/2389/coven-panel/internal/remote/remotetest"
)

func main() {
	addr := flag.String("addr", fmt.Sprintf(":%d", 24444), "listen address")
	key := flag.String("key", "fake-daemon-key", "access key the panel must present")
	instance := flag.String("instance", "demo", "instance whose output is streamed")
	interval := flag.Duration("interval", time.Second, "delay between output lines (0 disables)")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger := slog.New(logging.NewHandler(config.LoggingConfig{Level: *level, Format: "text"}, os.Stderr))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *addr, *key, *instance, *interval, logger); err != nil {
		logger.Error("fake daemon failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, addr, key, instance string, interval time.Duration, logger *slog.Logger) error {
	d := newDaemon(key, instance, logger)

	srv := &http.Server{
		Addr:              addr,
		Handler:           d,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("fake daemon listening", "addr", addr, "instance_id", instance)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if interval > 0 {
		go emitOutput(ctx, d, instance, interval, logger)
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	d.DropAll()
	return srv.Shutdown(shutdownCtx)
}

// newDaemon registers the handlers a real daemon answers for the panel.
func newDaemon(key, instance string, logger *slog.Logger) *remotetest.Daemon {
	started := time.Now()
	d := remotetest.New(key, logger)

	d.Handle("info/overview", func(context.Context, json.RawMessage) (any, error) {
		hostname, _ := os.Hostname()
		return map[string]any{
			"hostname":  hostname,
			"platform":  runtime.GOOS + "/" + runtime.GOARCH,
			"uptime":    time.Since(started).Round(time.Second).String(),
			"instances": []string{instance},
		}, nil
	})

	d.Handle("instance/overview", func(_ context.Context, data json.RawMessage) (any, error) {
		var req struct {
			InstanceID string `json:"instanceId"`
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &req); err != nil {
				return nil, fmt.Errorf("bad request: %w", err)
			}
		}
		if req.InstanceID != "" && req.InstanceID != instance {
			return nil, fmt.Errorf("instance %s not found", req.InstanceID)
		}
		return map[string]any{
			"instanceId": instance,
			"status":     "running",
			"startedAt":  started.UTC().Format(time.RFC3339),
		}, nil
	})

	return d
}

// emitOutput publishes one numbered line per interval until ctx ends.
func emitOutput(ctx context.Context, d *remotetest.Daemon, instance string, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			line := fmt.Sprintf("[%s] line %d\n", time.Now().Format("15:04:05"), n)
			if err := d.Publish(ctx, instance, line); err != nil {
				logger.Debug("publish failed", "instance_id", instance, "error", err)
			}
		}
	}
}
