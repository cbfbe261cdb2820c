package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"diffusiond/internal/daemon"
	"diffusiond/internal/httpapi"
)

func newServeCmd(o *options) *cobra.Command {
	var (
		addr        string
		synthetic   bool
		corsOrigins string
		timeoutSec  int64
	)
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the HTTP API",
		Example: "  diffusiond serve -c diffusiond.yaml\n  DIFFUSIOND_ADDR=:9000 diffusiond serve --synthetic",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				o.cfg.Addr = addr
			}
			if synthetic {
				o.cfg.SyntheticWeights = true
			}
			if origins := splitCSV(corsOrigins); len(origins) > 0 {
				o.cfg.CORS.Enabled = true
				o.cfg.CORS.Origins = origins
				o.cfg.ApplyDefaults()
			}
			if err := o.cfg.Validate(); err != nil {
				return err
			}
			o.log = newLogger(o.cfg.LogLevel, o.cfg.LogFormat)
			return serve(cmd.Context(), o, timeoutSec)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", os.Getenv("DIFFUSIOND_ADDR"), "HTTP listen address, e.g. :8080 (defaults DIFFUSIOND_ADDR or config)")
	cmd.Flags().BoolVar(&synthetic, "synthetic", false, "Serve deterministic synthetic weights for latentmix models")
	cmd.Flags().StringVar(&corsOrigins, "cors-origins", "", "Comma-separated allowed origins; enables CORS")
	cmd.Flags().Int64Var(&timeoutSec, "stream-timeout", 0, "Timeout in seconds for streamed generations (0 disables)")
	return cmd
}

func serve(parent context.Context, o *options, timeoutSec int64) error {
	cfg, log := o.cfg, o.log
	if parent == nil {
		parent = context.Background()
	}
	svc, err := daemon.Build(cfg, nil, log)
	if err != nil {
		return err
	}

	httpapi.SetLogger(log.With().Str("component", "http").Logger())
	httpapi.SetMaxBodyBytes(cfg.MaxBodyBytes)
	httpapi.SetStreamTimeoutSeconds(timeoutSec)
	httpapi.SetCORSOptions(cfg.CORS.Enabled, cfg.CORS.Origins, cfg.CORS.Methods, cfg.CORS.Headers)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	httpapi.SetBaseContext(ctx)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpapi.NewMux(svc),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go svc.Warm(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Addr).Str("profile", cfg.DefaultProfile).Msg("diffusiond listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		svc.Shutdown()
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down")
	svc.Shutdown()
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown")
		return err
	}
	return nil
}
