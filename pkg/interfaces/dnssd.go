package interfaces

import (
	"context"

	"github.com/nomis52/ola/pkg/types"
)

// DnsSdBackend turns a DNS-SD library's callback-driven model into a set
// of coherent, scope-filtered controller/distributor entries (spec.md
// §4.2). Start/Stop are idempotent and Stop is safe to call from a
// destructor path; every mutating operation is asynchronous (enqueued to
// the backend's discovery goroutine) and never blocks the caller.
type DnsSdBackend interface {
	Start(ctx context.Context) error
	Stop() error

	// SetScope atomically discards all resolved entries in the previous
	// scope and begins browsing the new one. After SetScope returns,
	// ListControllers/ListDistributors will not return an entry whose
	// scope differs from s (I5).
	SetScope(s string)

	// ListControllers/ListDistributors return a snapshot of currently
	// fully-resolved entries (name resolved, address resolved, TXT
	// validated).
	ListControllers() []types.ControllerEntry
	ListDistributors() []types.DistributorEntry

	// RegisterController/RegisterDistributor/Deregister are
	// asynchronous: they enqueue work onto the discovery goroutine and
	// return immediately.
	RegisterController(entry types.ControllerEntry)
	RegisterDistributor(entry types.DistributorEntry)
	Deregister(addr types.PeerEndpoint)
}
