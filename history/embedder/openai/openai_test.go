package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewRequiresAPIKey(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("New() without API key succeeded")
	}
}

func TestEmbedCallsEmbeddingsEndpoint(t *testing.T) {
	var gotModel string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("path = %s, want /embeddings", r.URL.Path)
		}
		var req struct {
			Model string `json:"model"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		gotModel = req.Model

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.1,0.2,0.3]}],"model":"m"}`))
	}))
	defer srv.Close()

	e, err := New(Config{APIKey: "k", BaseURL: srv.URL, Dimensions: 3})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	v, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed() error = %v", err)
	}
	if len(v) != 3 || v[2] != 0.3 {
		t.Fatalf("Embed() = %v", v)
	}
	if gotModel != "text-embedding-3-small" {
		t.Fatalf("model = %q, want text-embedding-3-small", gotModel)
	}
}

func TestEmbedRejectsDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"object":"embedding","index":0,"embedding":[0.1]}]}`))
	}))
	defer srv.Close()

	e, _ := New(Config{APIKey: "k", BaseURL: srv.URL, Dimensions: 3})
	if _, err := e.Embed(context.Background(), "hello"); err == nil {
		t.Fatal("Embed() accepted a 1-dimensional vector")
	}
}
