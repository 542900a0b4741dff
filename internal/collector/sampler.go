package collector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/harborglow/hashlab/internal/storage"
)

// IdentityLister returns the miners to poll on each tick.
type IdentityLister interface {
	List() []storage.MinerIdentity
}

// SnapshotPoller is satisfied by *Poller.
type SnapshotPoller interface {
	Poll(ctx context.Context, ids []storage.MinerIdentity) *storage.FleetSnapshot
}

// Publisher receives each sampled snapshot after it is stored.
type Publisher interface {
	Publish(ctx context.Context, snap *storage.FleetSnapshot) error
}

// AppendObserver is told whether each history append succeeded.
type AppendObserver interface {
	ObserveAppend(err error)
}

// Sampler polls the fleet on a fixed interval and appends each snapshot to
// history. Ticks never overlap; an error in one tick is logged and the next
// tick runs normally.
type Sampler struct {
	fleet     IdentityLister
	poller    SnapshotPoller
	store     storage.HistoryStore
	publisher Publisher
	observer  AppendObserver
	interval  time.Duration

	// SnapshotChan carries every sampled snapshot to the API layer. Stop
	// closes it.
	SnapshotChan chan *storage.FleetSnapshot

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	mu       sync.RWMutex
	latest   *storage.FleetSnapshot
}

// NewSampler creates a sampler. An interval <= 0 disables it: Start does
// nothing.
func NewSampler(fleet IdentityLister, poller SnapshotPoller, store storage.HistoryStore, interval time.Duration) *Sampler {
	return &Sampler{
		fleet:        fleet,
		poller:       poller,
		store:        store,
		interval:     interval,
		SnapshotChan: make(chan *storage.FleetSnapshot, 16),
		stop:         make(chan struct{}),
	}
}

// SetPublisher adds a publish step after each append.
func (s *Sampler) SetPublisher(p Publisher) { s.publisher = p }

// SetAppendObserver reports append outcomes.
func (s *Sampler) SetAppendObserver(o AppendObserver) { s.observer = o }

// Enabled reports whether the sampler has a positive interval.
func (s *Sampler) Enabled() bool { return s.interval > 0 }

// Start launches the sampling loop. The first tick runs immediately.
func (s *Sampler) Start(ctx context.Context) {
	if !s.Enabled() {
		log.Printf("History sampler disabled (interval %s)", s.interval)
		return
	}
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop signals the loop, waits for an in-flight tick to finish and then
// closes SnapshotChan so readers ranging over it return.
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.wg.Wait()
		close(s.SnapshotChan)
	})
}

// Latest returns the most recent sampled snapshot, or nil.
func (s *Sampler) Latest() *storage.FleetSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

func (s *Sampler) run(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// tick work outlives a cancelled parent so a poll+append in progress
	// completes before Stop returns
	work := context.WithoutCancel(ctx)

	log.Printf("History sampler started (every %s)", s.interval)
	s.runTick(work)

	for {
		select {
		case <-s.stop:
			log.Printf("History sampler stopped")
			return
		case <-ctx.Done():
			log.Printf("History sampler stopped: %v", ctx.Err())
			return
		case <-ticker.C:
			s.runTick(work)
		}
	}
}

func (s *Sampler) runTick(ctx context.Context) {
	if err := s.Tick(ctx); err != nil {
		log.Printf("History sample failed: %v", err)
	}
}

// Tick performs one poll, append and publish, then broadcasts the snapshot.
// A failed append does not stop the publish; both errors are returned
// joined. A replayed remote snapshot is neither stored nor published again.
// Panics are converted to errors.
func (s *Sampler) Tick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sampler tick panicked: %v", r)
		}
	}()

	ids := s.fleet.List()
	snap := s.poller.Poll(ctx, ids)

	s.mu.Lock()
	s.latest = snap
	s.mu.Unlock()

	var errs []error
	if snap.Replayed {
		log.Printf("Remote snapshot from %s already logged, skipping", snap.Timestamp.Format(time.RFC3339))
	} else {
		appendErr := s.store.Append(snap)
		if s.observer != nil {
			s.observer.ObserveAppend(appendErr)
		}
		if appendErr != nil {
			errs = append(errs, fmt.Errorf("append snapshot: %w", appendErr))
		}

		if s.publisher != nil && !snap.Remote {
			if pubErr := s.publisher.Publish(ctx, snap); pubErr != nil {
				errs = append(errs, fmt.Errorf("publish snapshot: %w", pubErr))
			}
		}
	}

	select {
	case s.SnapshotChan <- snap:
	default:
		// no reader keeping up; the API layer only wants recent data
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	log.Printf("Logged %d miners (%d online)", len(snap.Miners), snap.OnlineCount())
	return nil
}
