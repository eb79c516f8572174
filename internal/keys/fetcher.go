package keys

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
)

const (
	backoffBase = time.Second
	backoffCap  = 30 * time.Second
)

// Registry is the remote key registry the Fetcher queries by UUID.
type Registry interface {
	FetchKey(ctx context.Context, uuid string) (*Record, error)
}

// Fetcher retrieves public keys by UUID with capped exponential backoff,
// deduplicating concurrent fetches for the same UUID (spec C4). Each new
// UUID gets its own independent retry goroutine; a UUID already being
// fetched is a no-op.
type Fetcher struct {
	registry Registry
	manager  *Manager
	clock    clockwork.Clock
	log      *logrus.Entry

	mu      sync.Mutex
	active  map[string]context.CancelFunc
	wg      sync.WaitGroup
	closing bool
}

// NewFetcher constructs a Fetcher. clock defaults to the real clock.
func NewFetcher(registry Registry, manager *Manager, clock clockwork.Clock, log *logrus.Entry) *Fetcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Fetcher{
		registry: registry,
		manager:  manager,
		clock:    clock,
		log:      log.WithField("component", "key-fetcher"),
		active:   make(map[string]context.CancelFunc),
	}
}

// StartFetching begins (or no-ops if already in flight) a retry loop for
// uuid. The loop runs until a successful fetch installs the key, or the
// Fetcher is stopped.
func (f *Fetcher) StartFetching(uuid string) {
	f.mu.Lock()
	if f.closing {
		f.mu.Unlock()
		return
	}
	if _, inFlight := f.active[uuid]; inFlight {
		f.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.active[uuid] = cancel
	f.wg.Add(1)
	f.mu.Unlock()

	go func() {
		defer f.wg.Done()
		defer func() {
			f.mu.Lock()
			delete(f.active, uuid)
			f.mu.Unlock()
		}()
		f.retryLoop(ctx, uuid)
	}()
}

func (f *Fetcher) retryLoop(ctx context.Context, uuid string) {
	delay := backoffBase
	for {
		rec, err := f.registry.FetchKey(ctx, uuid)
		if err == nil {
			f.manager.SetCurrentKey(rec)
			return
		}
		if ctx.Err() != nil {
			return
		}
		f.log.WithError(err).WithField("uuid", uuid).Warn("key fetch failed, retrying")

		select {
		case <-f.clock.After(delay):
		case <-ctx.Done():
			return
		}

		delay *= 2
		if delay > backoffCap {
			delay = backoffCap
		}
	}
}

// Stop cancels every in-flight retry loop and waits for them to exit.
func (f *Fetcher) Stop() {
	f.mu.Lock()
	f.closing = true
	for _, cancel := range f.active {
		cancel()
	}
	f.mu.Unlock()
	f.wg.Wait()
}
