package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSpecRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.json")

	want := map[string]any{
		"name": "demo",
		"vertices": []map[string]any{
			{"id": "a", "cmd": []string{"echo", "hi"}},
			{"id": "b", "predecessors": []string{"a"}},
		},
	}
	data, err := json.Marshal(want)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}

	spec, err := loadSpec(path)
	if err != nil {
		t.Fatal(err)
	}
	if spec.Name != "demo" || len(spec.Vertices) != 2 {
		t.Fatalf("got %+v, want name=demo with 2 vertices", spec)
	}
	if spec.Vertices[0].ID != "a" || len(spec.Vertices[0].Cmd) != 2 {
		t.Fatalf("got %+v, want vertex a with a 2-element cmd", spec.Vertices[0])
	}
}

func TestLoadSpecMissingFile(t *testing.T) {
	if _, err := loadSpec(filepath.Join(t.TempDir(), "nope.json")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}
