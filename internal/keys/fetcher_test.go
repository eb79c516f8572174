package keys

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

type stubRegistry struct {
	failures int32
	rec      *Record
}

func (s *stubRegistry) FetchKey(ctx context.Context, uuid string) (*Record, error) {
	if atomic.LoadInt32(&s.failures) > 0 {
		atomic.AddInt32(&s.failures, -1)
		return nil, trace.ConnectionProblem(nil, "registry unreachable")
	}
	return s.rec, nil
}

func TestFetcherRetriesThenInstallsKey(t *testing.T) {
	clock := clockwork.NewFakeClock()
	manager := NewManager(clock)
	registry := &stubRegistry{failures: 2, rec: &Record{UUID: "k1"}}
	fetcher := NewFetcher(registry, manager, clock, nil)
	defer fetcher.Stop()

	fetcher.StartFetching("k1")

	require.Eventually(t, func() bool {
		clock.Advance(backoffCap)
		return manager.Current() != nil
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, "k1", manager.Current().UUID)
}

func TestFetcherDeduplicatesConcurrentFetches(t *testing.T) {
	clock := clockwork.NewFakeClock()
	manager := NewManager(clock)
	registry := &stubRegistry{rec: &Record{UUID: "k2"}}
	fetcher := NewFetcher(registry, manager, clock, nil)
	defer fetcher.Stop()

	fetcher.StartFetching("k2")
	fetcher.StartFetching("k2")

	require.Eventually(t, func() bool {
		return manager.Current() != nil
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFetcherStopCancelsInFlight(t *testing.T) {
	clock := clockwork.NewFakeClock()
	manager := NewManager(clock)
	registry := &stubRegistry{failures: 1000, rec: &Record{UUID: "k3"}}
	fetcher := NewFetcher(registry, manager, clock, nil)

	fetcher.StartFetching("k3")
	clock.BlockUntil(1)

	fetcher.Stop()
	require.Nil(t, manager.Current())
}
