package pool

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/harborglow/hashlab/internal/cache"
	"github.com/harborglow/hashlab/internal/storage"
)

// WorkerFetcher is satisfied by *LuxorClient.
type WorkerFetcher interface {
	FetchWorkers(ctx context.Context) ([]WorkerRecord, error)
}

// MappingSource returns the current identity mapping.
type MappingSource interface {
	Mapping() *IdentityMapping
}

// Comparison pairs the local fleet with reconciled pool records.
type Comparison struct {
	Timestamp time.Time                          `json:"timestamp"`
	Local     map[string]storage.TelemetrySample `json:"local"`
	Pool      map[string]WorkerRecord            `json:"pool"`
	Unmapped  []string                           `json:"unmapped,omitempty"`
	Available bool                               `json:"available"`
	Stale     bool                               `json:"stale"`
	FetchedAt *time.Time                         `json:"fetched_at,omitempty"`
	Error     string                             `json:"error,omitempty"`
}

// Service caches pool worker lists and builds comparisons.
type Service struct {
	fetcher WorkerFetcher
	mapping MappingSource
	cache   *cache.TTL[[]WorkerRecord]
}

func NewService(fetcher WorkerFetcher, mapping MappingSource, ttl time.Duration) *Service {
	return &Service{
		fetcher: fetcher,
		mapping: mapping,
		cache:   cache.NewTTL[[]WorkerRecord](ttl),
	}
}

// Workers returns the cached worker list, refreshing when expired.
func (s *Service) Workers(ctx context.Context) (cache.Result[[]WorkerRecord], error) {
	return s.cache.Get(ctx, s.fetcher.FetchWorkers)
}

// Compare reconciles pool data against snap. A pool outage never fails the
// call: the last good list is used, or Available is false.
func (s *Service) Compare(ctx context.Context, snap *storage.FleetSnapshot) Comparison {
	cmp := Comparison{
		Timestamp: time.Now().UTC(),
		Local:     map[string]storage.TelemetrySample{},
		Pool:      map[string]WorkerRecord{},
	}
	if snap != nil {
		cmp.Local = snap.Miners
		cmp.Timestamp = snap.Timestamp
	}

	res, err := s.Workers(ctx)
	if err != nil {
		if !errors.Is(err, ErrNotConfigured) {
			log.Printf("Pool data unavailable: %v", err)
		}
		cmp.Error = err.Error()
		return cmp
	}

	var mapping *IdentityMapping
	if s.mapping != nil {
		mapping = s.mapping.Mapping()
	}
	cmp.Pool, cmp.Unmapped = Reconcile(res.Value, mapping)
	cmp.Available = true
	cmp.Stale = res.Stale
	fetched := res.FetchedAt
	cmp.FetchedAt = &fetched
	return cmp
}
