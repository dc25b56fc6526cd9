// Package dnssd implements DnsSdBackend (spec.md §4.2): it turns
// grandcat/zeroconf's callback-driven mDNS model into a scope-filtered,
// snapshot-queryable set of controller/distributor entries. Every call
// into zeroconf runs on a dedicated discovery goroutine, isolated from
// the reactor thread per spec.md §5; ListControllers/ListDistributors
// read a mutex-protected snapshot so consumers never block waiting on
// the discovery goroutine, and never need a reactor handoff to observe
// results since the read side is a plain data copy.
package dnssd

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grandcat/zeroconf"
	"golang.org/x/sync/errgroup"

	"github.com/nomis52/ola/internal/util/logger"
	"github.com/nomis52/ola/pkg/interfaces"
	"github.com/nomis52/ola/pkg/types"
)

var log = logger.Named("dnssd")

var _ interfaces.DnsSdBackend = (*Backend)(nil)

// Service type strings (spec.md §4.2/§9), subject to the spec's noted
// future rename to "_rdmnet-ctrl._tcp".
const (
	ControllerService  = "_draft-e133-cntrl._tcp"
	DistributorService = "_draft-e133-dist._tcp"
	Domain             = "local."
)

// cmdQueueCapacity bounds the register/deregister backlog the discovery
// goroutine has not yet drained; RegisterController et al. must never
// block their caller, so when the queue is full the new request is logged
// and discarded rather than blocking.
const cmdQueueCapacity = 64

// shutdownWait bounds how long Stop waits for in-flight goroutines before
// returning and letting them finish in the background, mirroring the
// bounded-wait shutdown every PeerSession-adjacent component in this
// module uses.
const shutdownWait = 2 * time.Second

// maxNameCollisionRetries bounds the deterministic-suffix retry loop
// RegisterController/RegisterDistributor run when zeroconf reports a
// registration error (spec.md §4.2's name-collision handling).
const maxNameCollisionRetries = 5

// ErrClosed is returned by Start once Stop has run.
var ErrClosed = errors.New("dnssd: backend closed")

// command is one unit of work run serially on the discovery goroutine.
type command func()

// registration tracks one advertised service so Deregister/re-registration
// can find and shut down the right zeroconf.Server.
type registration struct {
	server *zeroconf.Server
	addr   types.PeerEndpoint
}

// Backend is the DnsSdBackend implementation. All exported methods are
// safe to call from any goroutine.
type Backend struct {
	mu           sync.RWMutex
	scope        string
	controllers  map[string]types.ControllerEntry
	distributors map[string]types.DistributorEntry

	browseMu    sync.Mutex
	ctrlCancel  context.CancelFunc
	distCancel  context.CancelFunc
	browseGen   atomic.Uint64

	ctrlRegMu sync.Mutex
	ctrlReg   *registration
	distRegMu sync.Mutex
	distReg   *registration

	cmdCh  chan command
	ctx    context.Context
	cancel context.CancelFunc
	wg     errgroup.Group

	started atomic.Bool
	closed  atomic.Bool
}

// New returns a Backend browsing/advertising under scope (types.DefaultScope
// if empty). Start must be called before it does any network I/O.
func New(scope string) *Backend {
	if scope == "" {
		scope = types.DefaultScope
	}
	return &Backend{
		scope:        scope,
		controllers:  make(map[string]types.ControllerEntry),
		distributors: make(map[string]types.DistributorEntry),
	}
}

// Start spawns the discovery goroutine and begins browsing both service
// types under the current scope. Idempotent: a second call is a no-op.
func (b *Backend) Start(ctx context.Context) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if !b.started.CompareAndSwap(false, true) {
		return nil
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.cmdCh = make(chan command, cmdQueueCapacity)

	b.wg.Go(func() error {
		b.run()
		return nil
	})

	b.restartBrowsing(b.currentScope())
	return nil
}

// Stop cancels the discovery goroutine and every browse session, shuts
// down any advertised services, and waits up to shutdownWait for
// in-flight goroutines to exit. Idempotent and safe to call without a
// prior Start.
func (b *Backend) Stop() error {
	if b.closed.Swap(true) {
		return nil
	}
	if !b.started.Load() {
		return nil
	}
	b.cancel()

	done := make(chan struct{})
	go func() {
		_ = b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownWait):
		log.Warn("dnssd shutdown timed out, goroutines will clean up in background")
	}

	b.ctrlRegMu.Lock()
	if b.ctrlReg != nil {
		b.ctrlReg.server.Shutdown()
		b.ctrlReg = nil
	}
	b.ctrlRegMu.Unlock()

	b.distRegMu.Lock()
	if b.distReg != nil {
		b.distReg.server.Shutdown()
		b.distReg = nil
	}
	b.distRegMu.Unlock()

	return nil
}

// run drains cmdCh until Stop cancels the backend's context.
func (b *Backend) run() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case cmd := <-b.cmdCh:
			cmd()
		}
	}
}

// enqueue posts cmd to the discovery goroutine without blocking the
// caller; a full queue drops the command and logs, rather than stalling
// whatever reactor-thread call triggered it.
func (b *Backend) enqueue(cmd command) {
	select {
	case b.cmdCh <- cmd:
	default:
		log.Warn("dnssd command queue full, dropping request")
	}
}

func (b *Backend) currentScope() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.scope
}

// SetScope atomically discards all resolved entries (I5) and begins
// browsing the new scope. Safe to call before or after Start; if called
// before Start, it only changes the scope browsing begins under.
func (b *Backend) SetScope(s string) {
	if s == "" {
		s = types.DefaultScope
	}

	b.mu.Lock()
	if b.scope == s {
		b.mu.Unlock()
		return
	}
	b.scope = s
	b.controllers = make(map[string]types.ControllerEntry)
	b.distributors = make(map[string]types.DistributorEntry)
	b.mu.Unlock()

	if b.started.Load() && !b.closed.Load() {
		b.restartBrowsing(s)
	}
}

// restartBrowsing cancels any running browse sessions and launches fresh
// ones under scope, tagged with a new generation so stale entries already
// in flight from the canceled sessions are dropped on arrival.
func (b *Backend) restartBrowsing(scope string) {
	b.browseMu.Lock()
	if b.ctrlCancel != nil {
		b.ctrlCancel()
	}
	if b.distCancel != nil {
		b.distCancel()
	}
	gen := b.browseGen.Add(1)

	ctrlCtx, ctrlCancel := context.WithCancel(b.ctx)
	distCtx, distCancel := context.WithCancel(b.ctx)
	b.ctrlCancel = ctrlCancel
	b.distCancel = distCancel
	b.browseMu.Unlock()

	b.wg.Go(func() error {
		b.runBrowse(ctrlCtx, ControllerService, scope, gen, b.onControllerEntry)
		return nil
	})
	b.wg.Go(func() error {
		b.runBrowse(distCtx, DistributorService, scope, gen, b.onDistributorEntry)
		return nil
	})
}

// runBrowse owns one zeroconf.Resolver for service's lifetime under ctx.
// Browse blocks until ctx is canceled or the underlying library gives up;
// on any other return, it retries after a short delay rather than leaving
// that service type permanently unbrowsed.
func (b *Backend) runBrowse(ctx context.Context, service, scope string, gen uint64, onEntry func(*zeroconf.ServiceEntry, uint64)) {
	for {
		if ctx.Err() != nil {
			return
		}

		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			log.Warn("dnssd resolver init failed", "service", service, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
				continue
			}
		}

		entries := make(chan *zeroconf.ServiceEntry, 32)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for e := range entries {
				onEntry(e, gen)
			}
		}()

		err = resolver.Browse(ctx, subtypeService(service, scope), Domain, entries)
		<-done

		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Debug("dnssd browse ended, retrying", "service", service, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

// subtypeService builds the "<service>,_<scope>" argument zeroconf
// expects for subtype-filtered browsing/registration (spec.md §4.2); an
// empty scope omits the subtype entirely. This is distinct from the raw
// DNS-SD wire subtype grammar ("_scope._sub.service") — that grammar is
// the library's own concern once it builds the PTR record.
func subtypeService(service, scope string) string {
	if scope == "" {
		return service
	}
	return fmt.Sprintf("%s,_%s", service, scope)
}

// firstIPv4 returns the first usable IPv4 address on a resolved entry.
func firstIPv4(e *zeroconf.ServiceEntry) (netip.Addr, bool) {
	for _, ip := range e.AddrIPv4 {
		v4 := ip.To4()
		if v4 == nil {
			continue
		}
		addr, ok := netip.AddrFromSlice(v4)
		if ok {
			return addr, true
		}
	}
	return netip.Addr{}, false
}

// onControllerEntry validates and, if it passes, records or removes one
// browsed controller entry. Stale-generation entries (arriving from a
// browse session SetScope already canceled) are dropped silently.
func (b *Backend) onControllerEntry(e *zeroconf.ServiceEntry, gen uint64) {
	if gen != b.browseGen.Load() {
		return
	}
	if e.TTL == 0 {
		b.removeControllerByInstance(e.Instance)
		return
	}

	host, ok := firstIPv4(e)
	if !ok {
		log.Debug("dropping controller entry with no IPv4 address", "instance", e.Instance)
		return
	}

	txt, err := decodeTxtRR(e.Text)
	if err != nil {
		log.Debug("dropping controller entry with malformed TXT record", "instance", e.Instance, "error", err)
		return
	}
	entry, err := types.ParseControllerTxt(txt)
	if err != nil {
		log.Debug("dropping controller entry with invalid TXT record", "instance", e.Instance, "error", err)
		return
	}
	entry.ServiceName = e.Instance
	entry.Address = types.NewPeerEndpoint(host, uint16(e.Port))

	key := entry.Address.String()
	b.mu.Lock()
	if existing, ok := b.controllers[key]; ok && existing.Equal(entry) {
		b.mu.Unlock()
		return
	}
	b.controllers[key] = entry
	b.mu.Unlock()
}

// onDistributorEntry mirrors onControllerEntry for distributors.
func (b *Backend) onDistributorEntry(e *zeroconf.ServiceEntry, gen uint64) {
	if gen != b.browseGen.Load() {
		return
	}
	if e.TTL == 0 {
		b.removeDistributorByInstance(e.Instance)
		return
	}

	host, ok := firstIPv4(e)
	if !ok {
		log.Debug("dropping distributor entry with no IPv4 address", "instance", e.Instance)
		return
	}

	txt, err := decodeTxtRR(e.Text)
	if err != nil {
		log.Debug("dropping distributor entry with malformed TXT record", "instance", e.Instance, "error", err)
		return
	}
	entry, err := types.ParseDistributorTxt(txt)
	if err != nil {
		log.Debug("dropping distributor entry with invalid TXT record", "instance", e.Instance, "error", err)
		return
	}
	entry.ServiceName = e.Instance
	entry.Address = types.NewPeerEndpoint(host, uint16(e.Port))

	key := entry.Address.String()
	b.mu.Lock()
	if existing, ok := b.distributors[key]; ok && existing.Equal(entry) {
		b.mu.Unlock()
		return
	}
	b.distributors[key] = entry
	b.mu.Unlock()
}

func (b *Backend) removeControllerByInstance(instance string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, c := range b.controllers {
		if c.ServiceName == instance {
			delete(b.controllers, key)
			return
		}
	}
}

func (b *Backend) removeDistributorByInstance(instance string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key, d := range b.distributors {
		if d.ServiceName == instance {
			delete(b.distributors, key)
			return
		}
	}
}

// ListControllers returns a snapshot of currently resolved controllers.
func (b *Backend) ListControllers() []types.ControllerEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.ControllerEntry, 0, len(b.controllers))
	for _, c := range b.controllers {
		out = append(out, c)
	}
	return out
}

// ListDistributors returns a snapshot of currently resolved distributors.
func (b *Backend) ListDistributors() []types.DistributorEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]types.DistributorEntry, 0, len(b.distributors))
	for _, d := range b.distributors {
		out = append(out, d)
	}
	return out
}

// RegisterController enqueues advertisement of entry, replacing any
// previously registered controller service.
func (b *Backend) RegisterController(entry types.ControllerEntry) {
	b.enqueue(func() { b.doRegisterController(entry) })
}

// RegisterDistributor enqueues advertisement of entry, replacing any
// previously registered distributor service.
func (b *Backend) RegisterDistributor(entry types.DistributorEntry) {
	b.enqueue(func() { b.doRegisterDistributor(entry) })
}

// Deregister enqueues withdrawal of whichever advertised service (if any)
// is registered under addr.
func (b *Backend) Deregister(addr types.PeerEndpoint) {
	b.enqueue(func() {
		b.ctrlRegMu.Lock()
		if b.ctrlReg != nil && b.ctrlReg.addr.Equal(addr) {
			b.ctrlReg.server.Shutdown()
			b.ctrlReg = nil
		}
		b.ctrlRegMu.Unlock()

		b.distRegMu.Lock()
		if b.distReg != nil && b.distReg.addr.Equal(addr) {
			b.distReg.server.Shutdown()
			b.distReg = nil
		}
		b.distRegMu.Unlock()
	})
}

func (b *Backend) doRegisterController(entry types.ControllerEntry) {
	instance := entry.EffectiveServiceName()
	service := subtypeService(ControllerService, entry.Scope)
	port := int(entry.Address.Port)
	ips := []string{entry.Address.Host.String()}

	txtRR, err := encodeTxtRR(entry.BuildTxt())
	if err != nil {
		log.Error("controller registration failed", "instance", instance, "error", err)
		return
	}

	server, name, err := registerWithCollisionRetry(instance, service, port, ips, txtRR.Txt)
	if err != nil {
		log.Error("controller registration failed", "instance", instance, "error", err)
		return
	}
	if name != instance {
		log.Info("controller registered under alternate name after collision", "original", instance, "name", name)
	}

	b.ctrlRegMu.Lock()
	old := b.ctrlReg
	b.ctrlReg = &registration{server: server, addr: entry.Address}
	b.ctrlRegMu.Unlock()
	if old != nil {
		old.server.Shutdown()
	}
}

func (b *Backend) doRegisterDistributor(entry types.DistributorEntry) {
	instance := entry.EffectiveServiceName()
	service := subtypeService(DistributorService, entry.Scope)
	port := int(entry.Address.Port)
	ips := []string{entry.Address.Host.String()}

	txtRR, err := encodeTxtRR(entry.BuildTxt())
	if err != nil {
		log.Error("distributor registration failed", "instance", instance, "error", err)
		return
	}

	server, name, err := registerWithCollisionRetry(instance, service, port, ips, txtRR.Txt)
	if err != nil {
		log.Error("distributor registration failed", "instance", instance, "error", err)
		return
	}
	if name != instance {
		log.Info("distributor registered under alternate name after collision", "original", instance, "name", name)
	}

	b.distRegMu.Lock()
	old := b.distReg
	b.distReg = &registration{server: server, addr: entry.Address}
	b.distRegMu.Unlock()
	if old != nil {
		old.server.Shutdown()
	}
}

// registerWithCollisionRetry calls zeroconf.RegisterProxy under
// instance, falling back to a deterministic "instance (n)" suffix on
// error up to maxNameCollisionRetries times (spec.md §4.2's name-collision
// handling). Unlike Bonjour/Avahi, zeroconf.RegisterProxy reports failure
// synchronously rather than via an asynchronous collision callback, so
// collision is inferred from any registration error rather than a
// dedicated signal.
func registerWithCollisionRetry(instance, service string, port int, ips, txt []string) (*zeroconf.Server, string, error) {
	name := instance
	var lastErr error
	for attempt := 0; attempt < maxNameCollisionRetries; attempt++ {
		server, err := zeroconf.RegisterProxy(name, service, Domain, port, name, ips, txt, nil)
		if err == nil {
			return server, name, nil
		}
		lastErr = err
		name = fmt.Sprintf("%s (%d)", instance, attempt+2)
	}
	return nil, "", fmt.Errorf("dnssd: registration failed after %d attempts: %w", maxNameCollisionRetries, lastErr)
}
