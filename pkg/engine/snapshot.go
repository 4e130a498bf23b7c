package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/openfroyo/converge/pkg/core"
	"github.com/openfroyo/converge/pkg/exec/remote"
	"github.com/openfroyo/converge/pkg/telemetry"
)

// SnapshotFile is the name of the snapshot written to the output root.
const SnapshotFile = "engine.json"

// snapshot is the serialized engine state. Loggers, transports and
// telemetry are process-local and not part of it; Restore reattaches
// them.
type snapshot struct {
	Options Options `json:"options"`
	Sweeps  int     `json:"sweeps"`
}

// Snapshot serializes the engine state. Object state lives in the object
// store, so the options and the sweep count are all that is needed.
func (e *Engine) Snapshot() ([]byte, error) {
	return json.MarshalIndent(snapshot{Options: e.opts, Sweeps: e.Sweeps}, "", "  ")
}

// SaveSnapshot writes the snapshot to SnapshotFile below the output root.
func (e *Engine) SaveSnapshot() error {
	data, err := e.Snapshot()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(e.opts.OutPath, SnapshotFile), data, 0644)
}

// Restore rebuilds an engine from a snapshot. The per-host logger is
// looked up again by host name. A nil transport is built from the remote
// exec command of the snapshot. Objects already in the store do not
// produce created events again.
func Restore(data []byte, transport remote.Transport, tel *telemetry.Telemetry) (*Engine, error) {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode engine snapshot: %w", err)
	}

	e, err := New(s.Options, transport, tel)
	if err != nil {
		return nil, err
	}
	e.Sweeps = s.Sweeps

	objs, err := e.Store.List()
	if err != nil {
		return nil, err
	}
	for _, obj := range objs {
		e.known[obj.Name()] = true
	}
	e.log().Debugf("Restored engine for run %s with %d objects", e.RunID, len(objs))
	return e, nil
}

// Load restores the engine whose snapshot was saved below outPath.
func Load(outPath string, transport remote.Transport, tel *telemetry.Telemetry) (*Engine, error) {
	data, err := os.ReadFile(filepath.Join(outPath, SnapshotFile))
	if err != nil {
		return nil, err
	}
	return Restore(data, transport, tel)
}

// Graph returns the requirement graph of the store and the state of
// every object, ready for ToDOT.
func (e *Engine) Graph() (map[string][]string, map[string]core.State, error) {
	objs, err := e.Store.List()
	if err != nil {
		return nil, nil, err
	}
	graph := make(map[string][]string, len(objs))
	states := make(map[string]core.State, len(objs))
	for _, obj := range objs {
		reqs, err := obj.Requirements()
		if err != nil {
			return nil, nil, err
		}
		state, err := obj.State()
		if err != nil {
			return nil, nil, err
		}
		graph[obj.Name()] = reqs
		states[obj.Name()] = state
	}
	return graph, states, nil
}
