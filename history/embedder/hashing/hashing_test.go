package hashing

import (
	"context"
	"testing"
)

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func TestEmbedIsDeterministicAndNormalized(t *testing.T) {
	e := New(128)
	a, err := e.Embed(context.Background(), "Where do I find diamonds?")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	b, _ := e.Embed(context.Background(), "Where do I find diamonds?")

	if len(a) != 128 || e.Dimensions() != 128 {
		t.Fatalf("len = %d, Dimensions() = %d, want 128", len(a), e.Dimensions())
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("embedding differs at %d: %v vs %v", i, a[i], b[i])
		}
	}
	if n := dot(a, a); n < 0.999 || n > 1.001 {
		t.Fatalf("squared norm = %v, want 1", n)
	}
}

func TestEmbedSharedWordsScoreHigher(t *testing.T) {
	ctx := context.Background()
	e := New(DefaultDimensions)

	query, _ := e.Embed(ctx, "ore")
	mining, _ := e.Embed(ctx, "User: where is diamond ore?\nAssistant: diamond ore spawns deep, iron ore higher up")
	cooking, _ := e.Embed(ctx, "User: how do I bake bread?\nAssistant: combine three wheat in a crafting grid")

	if dot(query, mining) <= dot(query, cooking) {
		t.Fatalf("similarity(ore, mining)=%v should exceed similarity(ore, cooking)=%v",
			dot(query, mining), dot(query, cooking))
	}
}

func TestEmbedWithoutWordsIsZero(t *testing.T) {
	v, err := New(16).Embed(context.Background(), "  ?!  ")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	for _, x := range v {
		if x != 0 {
			t.Fatalf("expected zero vector, got %v", v)
		}
	}
}

func TestEmbedHonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New(8).Embed(ctx, "x"); err == nil {
		t.Fatal("Embed() with canceled context succeeded")
	}
}
