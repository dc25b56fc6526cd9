package dnssd

import (
	"context"

	"go.uber.org/fx"

	"github.com/nomis52/ola/internal/config"
	"github.com/nomis52/ola/pkg/interfaces"
)

// Module provides the process-wide DnsSdBackend and starts/stops its
// discovery goroutine alongside the fx application.
var Module = fx.Module("dnssd",
	fx.Provide(Provide),
	fx.Invoke(registerLifecycle),
)

// Provide constructs the shared Backend, scoped per cfg.Discovery.Scope.
// Every other module depends on interfaces.DnsSdBackend rather than
// *Backend, matching internal/reactor's Module.
func Provide(cfg *config.Config) interfaces.DnsSdBackend {
	return New(cfg.Discovery.Scope)
}

func registerLifecycle(lc fx.Lifecycle, backend interfaces.DnsSdBackend) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return backend.Start(ctx)
		},
		OnStop: func(context.Context) error {
			return backend.Stop()
		},
	})
}
