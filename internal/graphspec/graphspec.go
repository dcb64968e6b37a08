// Package graphspec is the wire format buildgraphd and buildgraphctl
// exchange: a JSON-serializable description of a DAG whose vertices run
// external processes, and the glue to turn one into a dag.DAG plus a
// walker.ActionProvider.
package graphspec

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"

	"github.com/buildgraph/engine/internal/dag"
	"github.com/buildgraph/engine/internal/job"
	"github.com/buildgraph/engine/internal/status"
)

// VertexSpec describes one action: a command to run (empty means "no-op,
// always succeeds") and the predecessors it depends on.
type VertexSpec struct {
	ID           string   `json:"id"`
	Predecessors []string `json:"predecessors,omitempty"`
	Cmd          []string `json:"cmd,omitempty"`
	Dir          string   `json:"dir,omitempty"`
}

// Spec is a named graph submitted by a client.
type Spec struct {
	Name     string       `json:"name"`
	Vertices []VertexSpec `json:"vertices"`
}

// BuildDAG constructs a dag.DAG from s, adding every vertex before wiring
// any predecessor edge so forward references within the same submission
// resolve regardless of array order.
func BuildDAG(s Spec) (*dag.DAG, error) {
	d := dag.New()
	byID := make(map[string]VertexSpec, len(s.Vertices))
	for _, v := range s.Vertices {
		byID[v.ID] = v
		if err := d.AddVertex(dag.ID(v.ID), v, nil); err != nil {
			return nil, fmt.Errorf("add vertex %s: %w", v.ID, err)
		}
	}
	for _, v := range s.Vertices {
		if len(v.Predecessors) == 0 {
			continue
		}
		preds := make([]dag.ID, len(v.Predecessors))
		for i, p := range v.Predecessors {
			preds[i] = dag.ID(p)
		}
		if err := d.UpdateVertex(dag.ID(v.ID), v, preds, true); err != nil {
			return nil, fmt.Errorf("wire predecessors of %s: %w", v.ID, err)
		}
	}
	return d, nil
}

// ActionProvider builds a real job.Job for a VertexSpec vertex: a
// job.ProcessJob when Cmd is set, otherwise an immediate-success empty job.
// RequestRequeue always declines -- this demo driver has no domain
// concept of "not ready yet".
type ActionProvider struct{}

func (ActionProvider) CreateJob(uid string, data any, predecessors []string, notifyEnd func(string)) *job.Job {
	v, _ := data.(VertexSpec)
	if len(v.Cmd) == 0 {
		return job.NewEmpty(uid, data, notifyEnd, status.Success)
	}
	return job.NewProcess(uid, data, v.Cmd, notifyEnd)
}

func (ActionProvider) RequestRequeue(j *job.Job) bool { return false }

// Fingerprint hashes a vertex's command line together with its
// predecessors' own fingerprints, so a change anywhere upstream changes
// every downstream fingerprint too.
func Fingerprint(uid string, data any, predecessorFingerprints map[string][]byte, isPrediction bool) ([]byte, error) {
	v, ok := data.(VertexSpec)
	if !ok {
		return nil, nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal vertex %s: %w", uid, err)
	}
	h := sha256.New()
	h.Write(payload)
	for _, id := range v.Predecessors {
		fp, ok := predecessorFingerprints[id]
		if !ok || fp == nil {
			return nil, nil
		}
		h.Write(fp)
	}
	return h.Sum(nil), nil
}
