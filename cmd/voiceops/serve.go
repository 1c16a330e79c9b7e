package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	httpapi "github.com/tbourn/voiceops-backend/internal/http"
	"github.com/tbourn/voiceops-backend/internal/observability"
	"github.com/tbourn/voiceops-backend/internal/services"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(flags *rootFlags) *cobra.Command {
	var noJobs bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, webhook ingress and background jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, flags, !noJobs)
		},
	}
	cmd.Flags().BoolVar(&noJobs, "no-jobs", false, "do not run the sweeper and agent poller in this process")
	return cmd
}

func serve(ctx context.Context, flags *rootFlags, jobs bool) error {
	a, err := openApp(flags)
	if err != nil {
		return err
	}
	defer a.close()
	log := a.logger
	ctx = log.WithContext(ctx)

	shutdownOTel, err := observability.SetupOTel(ctx, a.cfg.OTEL, version)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(sctx); err != nil {
			log.Warn().Err(err).Msg("otel shutdown")
		}
	}()

	if path := a.cfg.PolicySeedPath; path != "" {
		if err := seedPolicies(ctx, a.svc.Policies, path); err != nil {
			return err
		}
	}

	if jobs {
		if err := a.svc.Sweeper.Start(ctx); err != nil {
			return err
		}
		defer a.svc.Sweeper.Stop()
	}

	gin.SetMode(a.cfg.GinMode)
	r := gin.New()
	httpapi.RegisterRoutes(r, a.svc, a.cfg)

	srv := &http.Server{
		Addr:              net.JoinHostPort("", a.cfg.Port),
		Handler:           r,
		ReadTimeout:       a.cfg.ReadTimeout,
		ReadHeaderTimeout: a.cfg.ReadHeaderTimeout,
		WriteTimeout:      a.cfg.WriteTimeout,
		IdleTimeout:       a.cfg.IdleTimeout,
		MaxHeaderBytes:    a.cfg.MaxHeaderBytes,
		BaseContext:       func(net.Listener) context.Context { return log.WithContext(context.Background()) },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("base_path", a.cfg.APIBasePath).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	return <-errCh
}

func seedPolicies(ctx context.Context, svc *services.PolicyService, path string) error {
	seed, err := services.LoadPolicySeed(path)
	if err != nil {
		return err
	}
	n, err := svc.ApplySeed(ctx, seed)
	if err != nil {
		return err
	}
	zlog(ctx).Info().Str("path", path).Int("policies", n).Msg("policy seed applied")
	return nil
}
