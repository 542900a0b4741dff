package cache

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTTL_Get(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	c := NewTTL[int](time.Minute)
	c.now = func() time.Time { return now }

	calls := 0
	fetch := func(ctx context.Context) (int, error) {
		calls++
		return calls * 10, nil
	}

	t.Run("first call fetches", func(t *testing.T) {
		res, err := c.Get(context.Background(), fetch)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if res.Value != 10 || res.Stale {
			t.Errorf("got %+v, want value 10 fresh", res)
		}
	})

	t.Run("fresh value is served from cache", func(t *testing.T) {
		now = now.Add(30 * time.Second)
		res, _ := c.Get(context.Background(), fetch)
		if res.Value != 10 || calls != 1 {
			t.Errorf("value=%d calls=%d, want 10 and 1", res.Value, calls)
		}
	})

	t.Run("expired value is refetched", func(t *testing.T) {
		now = now.Add(time.Minute)
		res, _ := c.Get(context.Background(), fetch)
		if res.Value != 20 || calls != 2 {
			t.Errorf("value=%d calls=%d, want 20 and 2", res.Value, calls)
		}
	})

	t.Run("failed refresh returns stale value", func(t *testing.T) {
		now = now.Add(2 * time.Minute)
		res, err := c.Get(context.Background(), func(ctx context.Context) (int, error) {
			return 0, errors.New("upstream down")
		})
		if err != nil {
			t.Fatalf("expected stale fallback, got error %v", err)
		}
		if res.Value != 20 || !res.Stale {
			t.Errorf("got %+v, want stale 20", res)
		}
	})
}

func TestTTL_GetErrorWithoutValue(t *testing.T) {
	c := NewTTL[string](time.Minute)
	wantErr := errors.New("boom")
	_, err := c.Get(context.Background(), func(ctx context.Context) (string, error) {
		return "", wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want %v", err, wantErr)
	}
	if _, ok := c.Peek(); ok {
		t.Error("Peek reported a value after a failed first fetch")
	}
}

func TestTTL_Invalidate(t *testing.T) {
	c := NewTTL[int](time.Hour)
	n := 0
	fetch := func(ctx context.Context) (int, error) { n++; return n, nil }

	c.Get(context.Background(), fetch)
	c.Invalidate()
	res, _ := c.Get(context.Background(), fetch)
	if res.Value != 2 {
		t.Errorf("value = %d after Invalidate, want 2", res.Value)
	}
}
