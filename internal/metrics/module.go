package metrics

import (
	"context"
	"net/http"

	"go.uber.org/fx"

	"github.com/nomis52/ola/internal/config"
	"github.com/nomis52/ola/internal/util/logger"
)

var log = logger.Named("metrics")

// Module provides the process-wide Metrics and, if cfg.CLI.MetricsAddr is
// set, serves its Handler alongside the fx application.
var Module = fx.Module("metrics",
	fx.Provide(New),
	fx.Invoke(registerLifecycle),
)

func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, m *Metrics) {
	if cfg.CLI.MetricsAddr == "" {
		return
	}
	srv := &http.Server{Addr: cfg.CLI.MetricsAddr, Handler: m.Handler()}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("metrics server stopped", "error", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
