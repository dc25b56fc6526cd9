package reactor

import (
	"context"

	"github.com/nomis52/ola/pkg/interfaces"
	"go.uber.org/fx"
)

// Module provides the process-wide ReactorBridge and starts/stops its
// dispatcher goroutine alongside the fx application.
var Module = fx.Module("reactor",
	fx.Provide(Provide),
	fx.Invoke(registerLifecycle),
)

// Provide constructs the shared Reactor. Every other module depends on
// interfaces.ReactorBridge rather than *Reactor, so tests can substitute a
// fake dispatcher without importing this package.
func Provide() interfaces.ReactorBridge {
	return New()
}

func registerLifecycle(lc fx.Lifecycle, bridge interfaces.ReactorBridge) {
	r, ok := bridge.(*Reactor)
	if !ok {
		return
	}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go r.Run()
			return nil
		},
		OnStop: func(context.Context) error {
			r.Terminate()
			return nil
		},
	})
}
