package config

import "time"

// Default tunables, named to match their spec.md cross-references.
const (
	// DefaultQueueMaxBufferSize is MessageQueue's default 64 KiB cap
	// (spec.md §4.3).
	DefaultQueueMaxBufferSize = 64 * 1024

	// DefaultHeartbeatInterval is the default heartbeat period
	// (spec.md §4.4).
	DefaultHeartbeatInterval = 15 * time.Second

	// DefaultMissedHeartbeatsAllowed is the default receive_timeout
	// multiplier (spec.md §4.4).
	DefaultMissedHeartbeatsAllowed = 3

	// DefaultConnectTimeout is the hard per-attempt connect deadline
	// (spec.md §4.5).
	DefaultConnectTimeout = 5 * time.Second

	// DefaultInitialBackoff/DefaultMaxBackoff are the ConnectorConfig
	// defaults (spec.md §4.5); DefaultMaxBackoff caps ControllerMesh's
	// linear backoff.
	DefaultInitialBackoff = 5 * time.Second
	DefaultMaxBackoff     = 30 * time.Second

	// DefaultHistoryTTL is ConnectorConfig.HistoryTTL's default; no
	// connector reads that field.
	DefaultHistoryTTL = 30 * time.Second

	// DefaultMaxQueueSize is ControllerAgent's outstanding-message cap
	// (spec.md §3).
	DefaultMaxQueueSize = 10

	// DefaultConnectFailurePenalty is CONNECT_FAILURE_PENALTY
	// (spec.md §4.7, §9).
	DefaultConnectFailurePenalty int16 = -200

	// DefaultReselectDelay is the delay before retrying selection with
	// no candidates (spec.md §4.7 step 5).
	DefaultReselectDelay = 2 * time.Second

	// DefaultMeshRefreshInterval is ControllerMesh's periodic task
	// interval (spec.md §4.8).
	DefaultMeshRefreshInterval = 2 * time.Second

	// DefaultMeshLinearBackoffStep is the step of ControllerMesh's linear
	// backoff (spec.md §4.8: "5s -> 30s cap").
	DefaultMeshLinearBackoffStep = 5 * time.Second
)

// DefaultControllerServiceType and DefaultDistributorServiceType are the
// DNS-SD service types named in spec.md §6.
const (
	DefaultControllerServiceType  = "_draft-e133-cntrl._tcp"
	DefaultDistributorServiceType = "_draft-e133-dist._tcp"
)

// DefaultConfig returns every tunable at its spec.md-documented default.
func DefaultConfig() Config {
	return Config{
		Queue: QueueConfig{
			MaxBufferSize: DefaultQueueMaxBufferSize,
		},
		Health: HealthConfig{
			HeartbeatInterval:       DefaultHeartbeatInterval,
			MissedHeartbeatsAllowed: DefaultMissedHeartbeatsAllowed,
		},
		Connector: ConnectorConfig{
			ConnectTimeout:    DefaultConnectTimeout,
			InitialBackoff:    DefaultInitialBackoff,
			MaxBackoff:        DefaultMaxBackoff,
			LinearBackoffStep: DefaultMeshLinearBackoffStep,
			HistoryTTL:        DefaultHistoryTTL,
		},
		Discovery: DiscoveryConfig{
			Scope:              "default",
			ControllerService:  DefaultControllerServiceType,
			DistributorService: DefaultDistributorServiceType,
		},
		Agent: AgentConfig{
			MaxQueueSize:          DefaultMaxQueueSize,
			ConnectFailurePenalty: DefaultConnectFailurePenalty,
			ReselectDelay:         DefaultReselectDelay,
			SendDeviceReg:         true,
		},
		Mesh: MeshConfig{
			RefreshInterval: DefaultMeshRefreshInterval,
		},
	}
}
