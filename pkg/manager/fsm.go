package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/enascvm/admiral/pkg/storage"
	"github.com/hashicorp/raft"
)

// Command ops replicated through the raft log
const (
	OpPut           = "put"
	OpCompareAndPut = "compare_and_put"
	OpDelete        = "delete"
	OpSweep         = "sweep"
)

// Command represents a store mutation in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

type putCommand struct {
	Document *storage.Document `json:"document"`
	Expected uint64            `json:"expected"`
}

type deleteCommand struct {
	Kind string `json:"kind"`
	Key  string `json:"key"`
}

type sweepCommand struct {
	Now time.Time `json:"now"`
}

// ApplyResult is what the FSM returns for every applied command
type ApplyResult struct {
	Document *storage.Document
	Swept    int
	Err      error
}

// FSM implements the Raft Finite State Machine over the document store.
// Every replica applies the same commands to its own BoltStore.
type FSM struct {
	mu    sync.RWMutex
	store *storage.BoltStore
}

// NewFSM creates a new FSM instance
func NewFSM(store *storage.BoltStore) *FSM {
	return &FSM{
		store: store,
	}
}

// Apply applies a Raft log entry to the FSM
// This is called by Raft when a log entry is committed
func (f *FSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return &ApplyResult{Err: fmt.Errorf("failed to unmarshal command: %w", err)}
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	case OpPut:
		var put putCommand
		if err := json.Unmarshal(cmd.Data, &put); err != nil {
			return &ApplyResult{Err: err}
		}
		doc, err := f.store.Put(put.Document)
		return &ApplyResult{Document: doc, Err: err}

	case OpCompareAndPut:
		var put putCommand
		if err := json.Unmarshal(cmd.Data, &put); err != nil {
			return &ApplyResult{Err: err}
		}
		doc, err := f.store.CompareAndPut(put.Document, put.Expected)
		return &ApplyResult{Document: doc, Err: err}

	case OpDelete:
		var del deleteCommand
		if err := json.Unmarshal(cmd.Data, &del); err != nil {
			return &ApplyResult{Err: err}
		}
		return &ApplyResult{Err: f.store.Delete(del.Kind, del.Key)}

	case OpSweep:
		var sweep sweepCommand
		if err := json.Unmarshal(cmd.Data, &sweep); err != nil {
			return &ApplyResult{Err: err}
		}
		n, err := f.store.Sweep(sweep.Now)
		return &ApplyResult{Swept: n, Err: err}

	default:
		return &ApplyResult{Err: fmt.Errorf("unknown command: %s", cmd.Op)}
	}
}

// Snapshot creates a point-in-time snapshot of the FSM
// This is called periodically by Raft to compact the log
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	docs, err := f.store.All()
	if err != nil {
		return nil, fmt.Errorf("failed to read documents: %w", err)
	}
	return &Snapshot{Documents: docs}, nil
}

// Restore replaces the FSM state with a snapshot
// This is called when a node restarts or joins the cluster
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot Snapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.store.Replace(snapshot.Documents); err != nil {
		return fmt.Errorf("failed to restore documents: %w", err)
	}
	return nil
}

// Snapshot represents a point-in-time copy of every document
type Snapshot struct {
	Documents []*storage.Document `json:"documents"`
}

// Persist writes the snapshot to the given SnapshotSink
func (s *Snapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

// Release releases the snapshot resources
func (s *Snapshot) Release() {}
