package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/reglet-dev/reglet-trust/adminapi"
)

func (a *app) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the admin API and expire grants in the background",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withKernel(cmd, serve)
		},
	}
}

func serve(ctx context.Context, e *env) error {
	apiCfg := adminapi.KernelConfig(e.kernel)
	apiCfg.Gatherer = e.registry
	apiCfg.Health = adminapi.NewHealth(e.cfg.Admin.MaxHostMemory)
	apiCfg.Logger = e.logger

	srv := &http.Server{
		Addr:              e.cfg.Admin.Addr,
		Handler:           adminapi.New(apiCfg),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go e.kernel.Permissions().RunReaper(ctx, e.cfg.Admin.ReapInterval)

	errc := make(chan error, 1)
	go func() {
		e.logger.Info("admin api listening", "addr", srv.Addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.Admin.ShutdownTimeout)
	defer cancel()
	e.logger.Info("shutting down admin api")
	return srv.Shutdown(shutdownCtx)
}
