// Command e133device runs the device side of the E1.33 control plane: it
// maintains a TCP session to a controller (internal/agent) that it selects
// from those discovered over DNS-SD, or from --controller-address.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/fx"

	"github.com/nomis52/ola/internal/agent"
	"github.com/nomis52/ola/internal/codec"
	"github.com/nomis52/ola/internal/config"
	"github.com/nomis52/ola/internal/dnssd"
	"github.com/nomis52/ola/internal/metrics"
	"github.com/nomis52/ola/internal/reactor"
	"github.com/nomis52/ola/internal/util/logger"
	"github.com/nomis52/ola/pkg/interfaces"
)

var log = logger.Named("e133device")

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
	cfg.Discovery.StartupDelay = cliCfg.DiscoveryStartupDelay
	if err := cfg.Validate(); err != nil {
		return err
	}

	app := fx.New(
		fx.Supply(&cfg),
		fx.Provide(func() interfaces.Codec { return codec.New() }),
		reactor.Module,
		dnssd.Module,
		metrics.Module,
		agent.Module,
		fx.NopLogger,
	)

	startCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return fmt.Errorf("e133device: startup failed: %w", err)
	}
	log.Info("device started", "uid", cliCfg.Uid, "scope", cfg.Discovery.Scope)

	waitForShutdown(cliCfg)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	return app.Stop(stopCtx)
}

// waitForShutdown blocks until SIGINT/SIGTERM, or until TerminateAfter
// elapses if set (spec.md §6's --terminate-after, used by test harnesses
// to run a device for a bounded duration without manual interrupt).
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
	var listenPort, udpPort uint

	flag.StringVar(&c.ListenIP, "listen-ip", "0.0.0.0", "local address to bind device sockets to")
	flag.UintVar(&listenPort, "listen-port", 0, "local TCP port for inbound sessions (0: unused by a device)")
	flag.IntVar(&c.ListenBacklog, "listen-backlog", 10, "unused by e133device; mirrored for flag-surface parity with e133controller")
	flag.StringVar(&c.ControllerAddress, "controller-address", "", "skip discovery and connect directly to this controller address")
	flag.StringVar(&c.Uid, "uid", "", "this device's RDM UID, mmmm:dddddddd")
	flag.IntVar(&c.UidOffset, "uid-offset", 0, "offset added to --uid's device ID, for running multiple devices from one UID base")
	flag.UintVar(&udpPort, "udp-port", 5569, "RDM-over-UDP port advertised in device registration")
	flag.StringVar(&c.E133Scope, "e133-scope", "default", "DNS-SD scope to discover controllers in")
	flag.DurationVar(&c.DiscoveryStartupDelay, "discovery-startup-delay", 0, "delay before the first controller selection attempt")
	flag.DurationVar(&c.TerminateAfter, "terminate-after", 0, "exit automatically after this long (0: run until signaled)")
	flag.IntVar(&c.ExpectedDevices, "expected-devices", 0, "unused by e133device; mirrored for flag-surface parity with e133controller")
	flag.BoolVar(&c.StopAfterAllDevices, "stop-after-all-devices", false, "unused by e133device; mirrored for flag-surface parity with e133controller")
	flag.StringVar(&c.MetricsAddr, "metrics-addr", "", "bind address for the Prometheus /metrics endpoint (empty disables it)")
	flag.Parse()

	c.ListenPort = uint16(listenPort)
	c.UdpPort = uint16(udpPort)
	return c
}
