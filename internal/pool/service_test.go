package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harborglow/hashlab/internal/storage"
)

type stubFetcher struct {
	workers []WorkerRecord
	err     error
	calls   int
}

func (s *stubFetcher) FetchWorkers(ctx context.Context) ([]WorkerRecord, error) {
	s.calls++
	return s.workers, s.err
}

type fixedMapping struct{ m *IdentityMapping }

func (f fixedMapping) Mapping() *IdentityMapping { return f.m }

func TestService_Compare(t *testing.T) {
	mapping := fixedMapping{mustMapping(t, map[string]string{"garage": "w1"})}
	snap := storage.NewFleetSnapshot(time.Now(), []storage.TelemetrySample{{Name: "garage", Alive: true, Hashrate1m: 4.8}})

	t.Run("available", func(t *testing.T) {
		f := &stubFetcher{workers: []WorkerRecord{{WorkerName: "w1", HashrateHs: 4.7e12, Status: WorkerActive}}}
		cmp := NewService(f, mapping, time.Minute).Compare(context.Background(), snap)
		if !cmp.Available || cmp.Stale {
			t.Fatalf("cmp = %+v", cmp)
		}
		if cmp.Pool["garage"].WorkerName != "w1" || cmp.Local["garage"].Hashrate1m != 4.8 {
			t.Errorf("cmp = %+v", cmp)
		}
	})

	t.Run("outage with no cached data", func(t *testing.T) {
		f := &stubFetcher{err: errors.New("timeout")}
		cmp := NewService(f, mapping, time.Minute).Compare(context.Background(), snap)
		if cmp.Available || cmp.Error == "" || len(cmp.Pool) != 0 {
			t.Errorf("expected unavailable marker, got %+v", cmp)
		}
		if len(cmp.Local) != 1 {
			t.Error("local data missing from unavailable comparison")
		}
	})

	t.Run("outage after success is stale", func(t *testing.T) {
		f := &stubFetcher{workers: []WorkerRecord{{WorkerName: "w1", Status: WorkerActive}}}
		svc := NewService(f, mapping, time.Minute)
		svc.Compare(context.Background(), snap)

		svc.cache.Invalidate()
		f.err = errors.New("502")
		cmp := svc.Compare(context.Background(), snap)
		if !cmp.Available || !cmp.Stale || cmp.Pool["garage"].WorkerName != "w1" {
			t.Errorf("expected stale data, got %+v", cmp)
		}
	})

	t.Run("cached within ttl", func(t *testing.T) {
		f := &stubFetcher{}
		svc := NewService(f, mapping, time.Minute)
		svc.Compare(context.Background(), snap)
		svc.Compare(context.Background(), snap)
		if f.calls != 1 {
			t.Errorf("fetch calls = %d, want 1", f.calls)
		}
	})
}
