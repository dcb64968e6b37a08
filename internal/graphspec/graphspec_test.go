package graphspec

import (
	"bytes"
	"testing"
)

func TestBuildDAGWiresForwardReferences(t *testing.T) {
	spec := Spec{
		Name: "demo",
		Vertices: []VertexSpec{
			{ID: "b", Predecessors: []string{"a"}, Cmd: []string{"true"}},
			{ID: "a", Cmd: []string{"true"}},
		},
	}
	d, err := BuildDAG(spec)
	if err != nil {
		t.Fatal(err)
	}
	preds, err := d.GetPredecessors("b")
	if err != nil {
		t.Fatal(err)
	}
	if len(preds) != 1 || preds[0] != "a" {
		t.Fatalf("got %v, want [a]", preds)
	}
}

func TestBuildDAGRejectsUnknownPredecessor(t *testing.T) {
	spec := Spec{Vertices: []VertexSpec{{ID: "b", Predecessors: []string{"missing"}}}}
	if _, err := BuildDAG(spec); err == nil {
		t.Fatal("expected an error for an unknown predecessor")
	}
}

func TestFingerprintChangesWithPredecessor(t *testing.T) {
	v := VertexSpec{ID: "b", Predecessors: []string{"a"}, Cmd: []string{"true"}}
	fp1, err := Fingerprint("b", v, map[string][]byte{"a": []byte("fp-a1")}, true)
	if err != nil {
		t.Fatal(err)
	}
	fp2, err := Fingerprint("b", v, map[string][]byte{"a": []byte("fp-a2")}, true)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(fp1, fp2) {
		t.Fatal("fingerprint should change when a predecessor's fingerprint changes")
	}
}

func TestFingerprintUnknownWhenPredecessorUnresolved(t *testing.T) {
	v := VertexSpec{ID: "b", Predecessors: []string{"a"}}
	fp, err := Fingerprint("b", v, map[string][]byte{}, true)
	if err != nil {
		t.Fatal(err)
	}
	if fp != nil {
		t.Fatal("expected nil fingerprint when a predecessor's fingerprint is unknown")
	}
}
