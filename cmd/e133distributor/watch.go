package main

import (
	"sort"
	"time"

	"github.com/nomis52/ola/internal/util/logger"
	"github.com/nomis52/ola/pkg/interfaces"
	"github.com/nomis52/ola/pkg/types"
)

var watchLog = logger.Named("distributorwatch")

// distributorWatch periodically snapshots discovery.ListDistributors and
// logs additions/removals, recovered from BonjourResolver's distributor
// callback (DistributorEntry is otherwise resolved but never consumed by
// anything in this module — spec.md lists it but wires no consumer).
type distributorWatch struct {
	discovery interfaces.DnsSdBackend
	interval  time.Duration

	known map[string]types.DistributorEntry
}

func newDistributorWatch(discovery interfaces.DnsSdBackend, interval time.Duration) *distributorWatch {
	return &distributorWatch{
		discovery: discovery,
		interval:  interval,
		known:     make(map[string]types.DistributorEntry),
	}
}

// run blocks, polling until stop is closed.
func (w *distributorWatch) run(stop <-chan struct{}) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *distributorWatch) poll() {
	current := make(map[string]types.DistributorEntry)
	for _, d := range w.discovery.ListDistributors() {
		current[d.Address.String()] = d
	}

	keys := make([]string, 0, len(current))
	for k := range current {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if _, ok := w.known[k]; !ok {
			watchLog.Info("distributor discovered", "address", k, "scope", current[k].Scope)
		}
	}

	for k := range w.known {
		if _, ok := current[k]; !ok {
			watchLog.Info("distributor lost", "address", k)
		}
	}

	w.known = current
}
