package agent

import (
	"context"
	"net/netip"

	"go.uber.org/fx"

	"github.com/nomis52/ola/internal/config"
	"github.com/nomis52/ola/internal/connector"
	"github.com/nomis52/ola/internal/metrics"
	"github.com/nomis52/ola/pkg/interfaces"
	"github.com/nomis52/ola/pkg/types"
)

// Module provides the device-side ControllerAgent and starts/stops it
// alongside the fx application. Only wired into cmd/e133device.
var Module = fx.Module("agent",
	fx.Provide(Provide),
	fx.Invoke(registerLifecycle),
)

// Provide constructs a ControllerAgent from the process Config, dialing
// through factory and selecting candidates from discovery's resolved
// controller set.
func Provide(cfg *config.Config, bridge interfaces.ReactorBridge, codec interfaces.Codec, discovery interfaces.DnsSdBackend, m *metrics.Metrics) (*ControllerAgent, error) {
	uid, err := types.ParseRdmUid(cfg.CLI.Uid)
	if err != nil {
		return nil, err
	}
	uid.Device += uint32(cfg.CLI.UidOffset)
	listenHost, err := netip.ParseAddr(cfg.CLI.ListenIP)
	if err != nil {
		listenHost = netip.IPv4Unspecified()
	}
	localDeviceUdp := types.NewPeerEndpoint(listenHost, cfg.CLI.UdpPort)

	factory := connector.DefaultSocketFactory(cfg.Connector.ConnectTimeout)

	refresh, err := buildCandidateProvider(cfg, discovery)
	if err != nil {
		return nil, err
	}

	agentCfg := Config{
		MaxQueueSize:          cfg.Agent.MaxQueueSize,
		ConnectTimeout:        cfg.Connector.ConnectTimeout,
		ConnectFailurePenalty: cfg.Agent.ConnectFailurePenalty,
		ReselectDelay:         cfg.Agent.ReselectDelay,
		SendDeviceReg:         cfg.Agent.SendDeviceReg,
		QueueMaxBufferSize:    cfg.Queue.MaxBufferSize,
		HeartbeatInterval:     cfg.Health.HeartbeatInterval,
		ReceiveTimeout:        cfg.Health.ReceiveTimeout(),
	}

	a := New(bridge, factory, codec, refresh, agentCfg, uid, localDeviceUdp)
	a.SetMetrics(m)
	return a, nil
}

// buildCandidateProvider returns a fixed single-candidate provider when
// --controller-address is set (spec.md §6: "skip discovery and connect
// directly"), bypassing DnsSdBackend entirely; otherwise it refreshes
// from discovery.ListControllers on every call.
func buildCandidateProvider(cfg *config.Config, discovery interfaces.DnsSdBackend) (CandidateProvider, error) {
	if cfg.CLI.ControllerAddress != "" {
		ep, err := types.ParsePeerEndpoint(cfg.CLI.ControllerAddress)
		if err != nil {
			return nil, err
		}
		return func() []Candidate {
			return []Candidate{{Endpoint: ep, Priority: types.DefaultControllerPriority}}
		}, nil
	}
	return func() []Candidate {
		entries := discovery.ListControllers()
		out := make([]Candidate, 0, len(entries))
		for _, e := range entries {
			out = append(out, Candidate{Endpoint: e.Address, Priority: e.Priority})
		}
		return out
	}, nil
}

// registerLifecycle starts the agent's first selection attempt after
// cfg.Discovery.StartupDelay (spec.md §6, scenario S1: giving DNS-SD time
// to populate before the device's first connect attempt).
func registerLifecycle(lc fx.Lifecycle, cfg *config.Config, bridge interfaces.ReactorBridge, a *ControllerAgent) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			if cfg.Discovery.StartupDelay <= 0 {
				return bridge.Execute(a.Start)
			}
			bridge.ScheduleOnce(cfg.Discovery.StartupDelay, a.Start)
			return nil
		},
		OnStop: func(context.Context) error {
			return bridge.Execute(a.Stop)
		},
	})
}
