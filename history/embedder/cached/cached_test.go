package cached

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingEmbedder struct {
	calls atomic.Int32
	fail  bool
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	if c.fail {
		return nil, errors.New("boom")
	}
	return []float32{float32(len(text)), 1}, nil
}

func (c *countingEmbedder) Dimensions() int { return 2 }

func TestEmbedServesRepeatsFromCache(t *testing.T) {
	inner := &countingEmbedder{}
	e, err := New(inner, 100)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer e.Close()

	ctx := context.Background()
	first, err := e.Embed(ctx, "diamond")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}

	// Ristretto admits writes asynchronously; poll until the entry is visible.
	deadline := time.Now().Add(time.Second)
	for {
		if _, ok := e.cache.Get("diamond"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Skip("cache did not admit entry within 1s")
		}
		time.Sleep(5 * time.Millisecond)
	}

	second, err := e.Embed(ctx, "diamond")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if inner.calls.Load() != 1 {
		t.Fatalf("inner calls = %d, want 1", inner.calls.Load())
	}
	if first[0] != second[0] {
		t.Fatalf("cached vector differs: %v vs %v", first, second)
	}
	if e.Dimensions() != 2 {
		t.Fatalf("Dimensions() = %d, want 2", e.Dimensions())
	}
}

func TestEmbedDoesNotCacheErrors(t *testing.T) {
	inner := &countingEmbedder{fail: true}
	e, err := New(inner, 10)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer e.Close()

	for i := 0; i < 2; i++ {
		if _, err := e.Embed(context.Background(), "x"); err == nil {
			t.Fatal("Embed() error = nil, want inner error")
		}
	}
	if inner.calls.Load() != 2 {
		t.Fatalf("inner calls = %d, want 2", inner.calls.Load())
	}
}

func TestNewRejectsNonPositiveSize(t *testing.T) {
	if _, err := New(&countingEmbedder{}, 0); err == nil {
		t.Fatal("New(0) succeeded")
	}
}
