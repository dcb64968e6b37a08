package main

import (
	"context"
	"testing"

	"github.com/buildgraph/engine/internal/config"
	"github.com/buildgraph/engine/internal/fingerprint"
	"github.com/buildgraph/engine/internal/graphspec"
	"github.com/buildgraph/engine/internal/status"
	"github.com/buildgraph/engine/internal/telemetry"
)

func newTestWatcher(t *testing.T) *config.Watcher {
	t.Helper()
	w, err := config.Load("")
	if err != nil {
		t.Fatal(err)
	}
	return w
}

func TestRunOnceExecutesAllVertices(t *testing.T) {
	spec := graphspec.Spec{
		Name: "demo",
		Vertices: []graphspec.VertexSpec{
			{ID: "a"},
			{ID: "b", Predecessors: []string{"a"}},
		},
	}

	result, err := runOnce(context.Background(), spec, fingerprint.NewMemStore(), telemetry.NewRecorder(), newTestWatcher(t))
	if err != nil {
		t.Fatal(err)
	}
	if result.Statuses["a"] != status.Success.String() || result.Statuses["b"] != status.Success.String() {
		t.Fatalf("got %v, want both vertices to succeed", result.Statuses)
	}
}

func TestRunOnceRejectsUnbuildableGraph(t *testing.T) {
	spec := graphspec.Spec{
		Name:     "broken",
		Vertices: []graphspec.VertexSpec{{ID: "b", Predecessors: []string{"missing"}}},
	}
	if _, err := runOnce(context.Background(), spec, fingerprint.NewMemStore(), telemetry.NewRecorder(), newTestWatcher(t)); err == nil {
		t.Fatal("expected an error building a graph with an unknown predecessor")
	}
}

func TestGraphStorePutGet(t *testing.T) {
	gs := newGraphStore()
	spec := graphspec.Spec{Name: "demo"}
	gs.put(spec)
	got, ok := gs.get("demo")
	if !ok || got.Name != "demo" {
		t.Fatalf("got %v, %v, want demo, true", got, ok)
	}
	if _, ok := gs.get("missing"); ok {
		t.Fatal("expected missing graph to be absent")
	}
}

func TestOpenFingerprintStoreDefaultsToMemory(t *testing.T) {
	store, err := openFingerprintStore(config.StoreConfig{Backend: ""})
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if _, ok := store.(*fingerprint.MemStore); !ok {
		t.Fatalf("got %T, want *fingerprint.MemStore", store)
	}
}
