// Command e133distributor advertises an E1.33 distributor over DNS-SD and
// logs the other distributors it discovers. A distributor is not selected
// by ControllerAgent or gossiped by ControllerMesh (spec.md lists
// DistributorEntry and list_distributors but wires no consumer); this
// binary exists so that type isn't dead weight in the final tree.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/fx"

	"github.com/nomis52/ola/internal/config"
	"github.com/nomis52/ola/internal/dnssd"
	"github.com/nomis52/ola/internal/metrics"
	"github.com/nomis52/ola/internal/util/logger"
	"github.com/nomis52/ola/pkg/interfaces"
	"github.com/nomis52/ola/pkg/types"
)

var log = logger.Named("e133distributor")

// distributorWatchInterval is how often distributorWatch re-polls
// ListDistributors for additions/removals.
const distributorWatchInterval = 2 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()

	cfg := config.DefaultConfig()
	cfg.CLI = cliCfg
	cfg.Discovery.Scope = cliCfg.E133Scope
	if err := cfg.Validate(); err != nil {
		return err
	}

	stop := make(chan struct{})
	app := fx.New(
		fx.Supply(&cfg),
		dnssd.Module,
		metrics.Module,
		fx.Invoke(registerSelfAndWatch(cliCfg, stop)),
		fx.NopLogger,
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return fmt.Errorf("e133distributor: startup failed: %w", err)
	}
	log.Info("distributor started", "scope", cfg.Discovery.Scope)

	waitForShutdown(cliCfg)
	close(stop)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	return app.Stop(stopCtx)
}

// registerSelfAndWatch advertises this process as a distributor and starts
// distributorWatch's background poll loop, stopped when stop is closed.
func registerSelfAndWatch(cliCfg config.CLIConfig, stop chan struct{}) func(fx.Lifecycle, interfaces.DnsSdBackend) {
	return func(lc fx.Lifecycle, discovery interfaces.DnsSdBackend) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				host, err := netip.ParseAddr(cliCfg.ListenIP)
				if err != nil {
					return fmt.Errorf("e133distributor: invalid --listen-ip: %w", err)
				}
				entry := types.NewDistributorEntry(types.NewPeerEndpoint(host, cliCfg.ListenPort))
				entry.Scope = cliCfg.E133Scope
				discovery.RegisterDistributor(entry)

				watch := newDistributorWatch(discovery, distributorWatchInterval)
				go watch.run(stop)
				return nil
			},
		})
	}
}

func waitForShutdown(cliCfg config.CLIConfig) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if cliCfg.TerminateAfter > 0 {
		select {
		case <-sigCh:
		case <-time.After(cliCfg.TerminateAfter):
			log.Info("terminate-after elapsed, shutting down")
		}
		return
	}
	<-sigCh
}

func parseFlags() config.CLIConfig {
	var c config.CLIConfig
	var listenPort uint

	flag.StringVar(&c.ListenIP, "listen-ip", "0.0.0.0", "local address to advertise this distributor at")
	flag.UintVar(&listenPort, "listen-port", 5569, "local port to advertise this distributor at")
	flag.StringVar(&c.E133Scope, "e133-scope", "default", "DNS-SD scope to advertise in and discover peer distributors in")
	flag.DurationVar(&c.TerminateAfter, "terminate-after", 0, "exit automatically after this long (0: run until signaled)")
	flag.StringVar(&c.MetricsAddr, "metrics-addr", "", "bind address for the Prometheus /metrics endpoint (empty disables it)")
	flag.Parse()

	c.ListenPort = uint16(listenPort)
	return c
}
