package collector

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/harborglow/hashlab/internal/storage"
	"github.com/remeh/sizedwaitgroup"
)

// DeviceFetcher produces one sample per identity and never fails.
type DeviceFetcher interface {
	Fetch(ctx context.Context, id storage.MinerIdentity) storage.TelemetrySample
}

// SnapshotSource supplies a pre-aggregated snapshot from somewhere other
// than the LAN.
type SnapshotSource interface {
	FetchSnapshot(ctx context.Context) (*storage.FleetSnapshot, error)
}

// PollObserver is told about every completed poll.
type PollObserver interface {
	ObservePoll(d time.Duration, snap *storage.FleetSnapshot)
}

// Poller fans out to every configured miner and assembles a FleetSnapshot.
type Poller struct {
	client      DeviceFetcher
	concurrency int
	fallback    SnapshotSource
	observer    PollObserver
	now         func() time.Time

	mu         sync.Mutex
	lastRemote time.Time
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithConcurrency bounds the number of in-flight requests. n <= 0 means one
// request per miner.
func WithConcurrency(n int) PollerOption {
	return func(p *Poller) { p.concurrency = n }
}

// WithFallback uses src when every polled miner is offline.
func WithFallback(src SnapshotSource) PollerOption {
	return func(p *Poller) { p.fallback = src }
}

// WithObserver reports poll timings and results.
func WithObserver(o PollObserver) PollerOption {
	return func(p *Poller) { p.observer = o }
}

func NewPoller(client DeviceFetcher, opts ...PollerOption) *Poller {
	p := &Poller{client: client, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Poll queries every identity concurrently. Each miner is isolated: a slow
// or broken one only yields its own offline sample.
func (p *Poller) Poll(ctx context.Context, ids []storage.MinerIdentity) *storage.FleetSnapshot {
	start := p.now()

	limit := p.concurrency
	if limit <= 0 || limit > len(ids) {
		limit = len(ids)
	}
	if limit == 0 {
		limit = 1
	}

	samples := make([]storage.TelemetrySample, len(ids))
	swg := sizedwaitgroup.New(limit)
	for i, id := range ids {
		swg.Add()
		go func(i int, id storage.MinerIdentity) {
			defer swg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[%s] poll panicked: %v", id.Name, r)
					samples[i] = OfflineSample(id.Name)
				}
			}()
			samples[i] = p.client.Fetch(ctx, id)
			samples[i].Name = id.Name
		}(i, id)
	}
	swg.Wait()

	snap := storage.NewFleetSnapshot(start, samples)

	if p.fallback != nil && len(ids) > 0 && snap.OnlineCount() == 0 {
		remote, err := p.fallback.FetchSnapshot(ctx)
		if err != nil {
			log.Printf("Remote snapshot fallback failed: %v", err)
		} else if remote != nil && len(remote.Miners) > 0 {
			log.Printf("All %d miners unreachable, using remote snapshot from %s", len(ids), remote.Timestamp.Format(time.RFC3339))
			snap = p.markRemote(remote)
		}
	}

	if p.observer != nil {
		p.observer.ObservePoll(p.now().Sub(start), snap)
	}
	return snap
}

// markRemote returns a copy of a fallback snapshot flagged as remote, and as
// replayed when its timestamp is not newer than the last one handed out. The
// source may cache and return the same value, so it is never modified.
func (p *Poller) markRemote(remote *storage.FleetSnapshot) *storage.FleetSnapshot {
	cp := *remote
	cp.Remote = true

	p.mu.Lock()
	defer p.mu.Unlock()
	if !cp.Timestamp.After(p.lastRemote) {
		cp.Replayed = true
	} else {
		p.lastRemote = cp.Timestamp
	}
	return &cp
}
