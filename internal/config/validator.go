package config

import "errors"

// Validate reports the first configuration error found; bind failures and
// other startup-fatal conditions surface to the program's entry point
// (spec.md §7's "Configuration/fatal" kind) rather than being recovered.
func (c Config) Validate() error {
	if c.Queue.MaxBufferSize <= 0 {
		return errors.New("config: queue.max_buffer_size must be positive")
	}
	if c.Health.HeartbeatInterval <= 0 {
		return errors.New("config: health.heartbeat_interval must be positive")
	}
	if c.Health.MissedHeartbeatsAllowed <= 0 {
		return errors.New("config: health.missed_heartbeats_allowed must be positive")
	}
	if c.Connector.ConnectTimeout <= 0 {
		return errors.New("config: connector.connect_timeout must be positive")
	}
	if c.Connector.InitialBackoff <= 0 || c.Connector.MaxBackoff < c.Connector.InitialBackoff {
		return errors.New("config: connector backoff bounds are invalid")
	}
	if c.Discovery.Scope == "" {
		return errors.New("config: discovery.scope must not be empty")
	}
	if c.Agent.MaxQueueSize <= 0 {
		return errors.New("config: agent.max_queue_size must be positive")
	}
	return nil
}
