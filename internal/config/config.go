// Package config collects every tunable named in spec.md §4 and §6 into
// one struct, constructed once per process and passed to each
// component's constructor — no package-level mutable configuration
// (spec.md §9's "Restate: configuration struct... passed to each
// constructor").
package config

import "time"

// Config is the process-wide configuration for one E1.33 node (device,
// controller, or distributor).
type Config struct {
	// Queue is MessageQueue's tuning.
	Queue QueueConfig

	// Health is HealthCheckedConnection's tuning.
	Health HealthConfig

	// Connector is TcpConnector's backoff/timeout tuning.
	Connector ConnectorConfig

	// Discovery is DnsSdBackend's tuning.
	Discovery DiscoveryConfig

	// Agent is ControllerAgent's tuning (device-side only).
	Agent AgentConfig

	// Mesh is ControllerMesh's tuning (controller-side only).
	Mesh MeshConfig

	// CLI mirrors the flags named in spec.md §6 for completeness; the
	// binaries in cmd/ populate this from os.Args and pass the whole
	// Config down rather than reading flags directly from component code.
	CLI CLIConfig
}

// QueueConfig tunes MessageQueue (spec.md §4.3).
type QueueConfig struct {
	// MaxBufferSize is the byte cap; send() returns Dropped once
	// occupancy reaches this.
	MaxBufferSize int
}

// HealthConfig tunes HealthCheckedConnection (spec.md §4.4).
type HealthConfig struct {
	HeartbeatInterval    time.Duration
	MissedHeartbeatsAllowed int
}

// ReceiveTimeout is HeartbeatInterval * MissedHeartbeatsAllowed.
func (h HealthConfig) ReceiveTimeout() time.Duration {
	return h.HeartbeatInterval * time.Duration(h.MissedHeartbeatsAllowed)
}

// ConnectorConfig tunes TcpConnector (spec.md §4.5).
type ConnectorConfig struct {
	// ConnectTimeout is the hard per-attempt deadline.
	ConnectTimeout time.Duration

	// InitialBackoff is only checked by Validate; no backoff policy is
	// built from it. MaxBackoff caps ControllerMesh's linear backoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// LinearBackoffStep is the step of the linear backoff ControllerMesh
	// always uses (spec.md §4.8). ControllerAgent dials with one-shot
	// connects and applies no backoff policy.
	LinearBackoffStep time.Duration

	// HistoryTTL is not passed to any Connector: ControllerAgent and
	// ControllerMesh both give their connector ConnectTimeout as the
	// dial-history TTL.
	HistoryTTL time.Duration
}

// DiscoveryConfig tunes DnsSdBackend (spec.md §4.2).
type DiscoveryConfig struct {
	Scope              string
	ControllerService  string
	DistributorService string

	// StartupDelay mirrors --discovery-startup-delay (spec.md §6, S1):
	// the device waits this long after Start before its first
	// selection attempt, giving DNS-SD time to populate.
	StartupDelay time.Duration
}

// AgentConfig tunes ControllerAgent (spec.md §4.7).
type AgentConfig struct {
	MaxQueueSize int

	// ConnectFailurePenalty is added to a controller's priority on
	// connect failure; it is negative (default -200), so the priority
	// drops (spec.md §9 Open Question: internal
	// representation is signed 16-bit).
	ConnectFailurePenalty int16

	// ReselectDelay is the delay before retrying selection when no
	// candidate is available (spec.md §4.7 step 5).
	ReselectDelay time.Duration

	// SendDeviceReg additionally emits VECTOR_CONTROLLER_DEVICE_REG
	// immediately after a session is installed (SPEC_FULL.md §6,
	// recovered from Gen2E133Device in original_source).
	SendDeviceReg bool
}

// MeshConfig tunes ControllerMesh (spec.md §4.8).
type MeshConfig struct {
	RefreshInterval time.Duration

	// ListenPort is compared against loopback to filter
	// self-connections.
	ListenPort uint16
}

// CLIConfig mirrors the flags listed in spec.md §6 for completeness.
type CLIConfig struct {
	ListenIP               string
	ListenPort              uint16
	ListenBacklog           int
	ControllerAddress       string
	Uid                     string
	UidOffset               int
	UdpPort                 uint16
	E133Scope               string
	DiscoveryStartupDelay   time.Duration
	TerminateAfter          time.Duration
	ExpectedDevices         int
	StopAfterAllDevices     bool

	// MetricsAddr is the bind address for the Prometheus /metrics
	// handler (internal/metrics). Empty disables the listener.
	MetricsAddr string
}
