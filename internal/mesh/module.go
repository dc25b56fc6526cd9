package mesh

import (
	"context"

	"go.uber.org/fx"

	"github.com/nomis52/ola/internal/config"
	"github.com/nomis52/ola/internal/connector"
	"github.com/nomis52/ola/internal/metrics"
	"github.com/nomis52/ola/pkg/interfaces"
	"github.com/nomis52/ola/pkg/types"
)

// Module provides the controller-side ControllerMesh and starts/stops it
// alongside the fx application. Only wired into cmd/e133controller.
var Module = fx.Module("mesh",
	fx.Provide(Provide),
	fx.Invoke(registerLifecycle),
)

// Provide constructs a ControllerMesh selecting peers from discovery's
// resolved controller set (mesh peers are other controllers, not
// distributors).
func Provide(cfg *config.Config, bridge interfaces.ReactorBridge, codec interfaces.Codec, discovery interfaces.DnsSdBackend, m *metrics.Metrics) *ControllerMesh {
	refresh := func() []types.PeerEndpoint {
		entries := discovery.ListControllers()
		out := make([]types.PeerEndpoint, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.Address)
		}
		return out
	}

	meshCfg := Config{
		RefreshInterval:    cfg.Mesh.RefreshInterval,
		BackoffStep:        cfg.Connector.LinearBackoffStep,
		BackoffMax:         cfg.Connector.MaxBackoff,
		ConnectTimeout:     cfg.Connector.ConnectTimeout,
		QueueMaxBufferSize: cfg.Queue.MaxBufferSize,
		HeartbeatInterval:  cfg.Health.HeartbeatInterval,
		ReceiveTimeout:     cfg.Health.ReceiveTimeout(),
		OurListenPort:      cfg.Mesh.ListenPort,
	}

	factory := connector.DefaultSocketFactory(cfg.Connector.ConnectTimeout)

	mesh := New(bridge, factory, codec, refresh, meshCfg)
	mesh.SetMetrics(m)
	return mesh
}

func registerLifecycle(lc fx.Lifecycle, bridge interfaces.ReactorBridge, mesh *ControllerMesh) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return bridge.Execute(mesh.Start)
		},
		OnStop: func(context.Context) error {
			return bridge.Execute(mesh.Stop)
		},
	})
}
