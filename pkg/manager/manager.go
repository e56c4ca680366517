package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/enascvm/admiral/pkg/fault"
	"github.com/enascvm/admiral/pkg/log"
	"github.com/enascvm/admiral/pkg/storage"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

const applyTimeout = 5 * time.Second

// Manager owns the local document store and the raft instance that
// replicates writes to it
type Manager struct {
	nodeID   string
	bindAddr string
	dataDir  string
	inMemory bool

	raft   *raft.Raft
	fsm    *FSM
	local  *storage.BoltStore
	store  *ReplicatedStore
	stores []io.Closer
	logger zerolog.Logger
}

// Config holds configuration for creating a Manager
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string

	// InMemory keeps the raft log, stable store and snapshots in memory and
	// uses an in-memory transport. The document store stays on disk.
	InMemory bool
}

// NewManager creates a new Manager instance
func NewManager(cfg *Config) (*Manager, error) {
	if cfg.NodeID == "" {
		return nil, fault.Validation("node id is required", nil)
	}
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	local, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	m := &Manager{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		inMemory: cfg.InMemory,
		fsm:      NewFSM(local),
		local:    local,
		logger:   log.WithNodeID(cfg.NodeID).With().Str("component", "manager").Logger(),
	}
	m.store = &ReplicatedStore{manager: m, local: local}
	return m, nil
}

// raftConfig returns the raft configuration tuned for LAN failover
func (m *Manager) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(m.nodeID)

	// Defaults are tuned for WAN deployments
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond

	config.LogOutput = m.logger.With().Str("subsystem", "raft").Logger()
	return config
}

// Bootstrap starts raft and, on first start, initializes a single-node
// cluster with this manager as its only voter
func (m *Manager) Bootstrap() error {
	config := m.raftConfig()

	var (
		logStore    raft.LogStore
		stableStore raft.StableStore
		snapshots   raft.SnapshotStore
		transport   raft.Transport
		address     raft.ServerAddress
	)

	if m.inMemory {
		inmem := raft.NewInmemStore()
		logStore, stableStore = inmem, inmem
		snapshots = raft.NewInmemSnapshotStore()
		address, transport = raft.NewInmemTransport(raft.ServerAddress(m.nodeID))
	} else {
		addr, err := net.ResolveTCPAddr("tcp", m.bindAddr)
		if err != nil {
			return fmt.Errorf("failed to resolve bind address: %w", err)
		}

		tcp, err := raft.NewTCPTransport(m.bindAddr, addr, 3, 10*time.Second, config.LogOutput)
		if err != nil {
			return fmt.Errorf("failed to create transport: %w", err)
		}
		transport, address = tcp, tcp.LocalAddr()

		snapshots, err = raft.NewFileSnapshotStore(m.dataDir, 2, config.LogOutput)
		if err != nil {
			return fmt.Errorf("failed to create snapshot store: %w", err)
		}

		logs, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-log.db"))
		if err != nil {
			return fmt.Errorf("failed to create log store: %w", err)
		}
		stable, err := raftboltdb.NewBoltStore(filepath.Join(m.dataDir, "raft-stable.db"))
		if err != nil {
			logs.Close()
			return fmt.Errorf("failed to create stable store: %w", err)
		}
		logStore, stableStore = logs, stable
		m.stores = append(m.stores, logs, stable)
	}

	existing, err := raft.HasExistingState(logStore, stableStore, snapshots)
	if err != nil {
		return fmt.Errorf("failed to inspect raft state: %w", err)
	}

	r, err := raft.NewRaft(config, m.fsm, logStore, stableStore, snapshots, transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}
	m.raft = r

	if existing {
		m.logger.Info().Msg("Resuming existing raft state")
		return nil
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{
			{
				ID:      config.LocalID,
				Address: address,
			},
		},
	}
	if err := m.raft.BootstrapCluster(configuration).Error(); err != nil {
		return fmt.Errorf("failed to bootstrap cluster: %w", err)
	}

	m.logger.Info().Str("address", string(address)).Msg("Bootstrapped cluster")
	return nil
}

// WaitForLeader blocks until this manager leads the cluster
func (m *Manager) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if m.IsLeader() {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("no leader elected: %w", ctx.Err())
		}
	}
}

// IsLeader returns true if this manager is the Raft leader
func (m *Manager) IsLeader() bool {
	if m.raft == nil {
		return false
	}
	return m.raft.State() == raft.Leader
}

// LeaderAddr returns the address of the current Raft leader
func (m *Manager) LeaderAddr() string {
	if m.raft == nil {
		return ""
	}
	addr, _ := m.raft.LeaderWithID()
	return string(addr)
}

// Stats returns Raft statistics
func (m *Manager) Stats() map[string]interface{} {
	if m.raft == nil {
		return nil
	}

	stats := make(map[string]interface{})
	stats["state"] = m.raft.State().String()
	stats["last_log_index"] = m.raft.LastIndex()
	stats["applied_index"] = m.raft.AppliedIndex()
	stats["leader"] = m.LeaderAddr()

	return stats
}

// Store returns the replicated document store
func (m *Manager) Store() *ReplicatedStore {
	return m.store
}

// Apply submits a command to the Raft cluster and returns the FSM's result
func (m *Manager) Apply(cmd Command) (*ApplyResult, error) {
	if m.raft == nil {
		return nil, fault.Transient("raft not initialized", nil)
	}

	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}

	future := m.raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) || errors.Is(err, raft.ErrEnqueueTimeout) {
			return nil, fault.Transient("failed to apply command", err).WithOp(cmd.Op)
		}
		return nil, fmt.Errorf("failed to apply command: %w", err)
	}

	res, ok := future.Response().(*ApplyResult)
	if !ok {
		return nil, fmt.Errorf("unexpected apply response %T", future.Response())
	}
	if res.Err != nil {
		return res, res.Err
	}
	return res, nil
}

func (m *Manager) propose(op string, payload interface{}) (*ApplyResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", op, err)
	}
	return m.Apply(Command{Op: op, Data: data})
}

// Shutdown gracefully shuts down the manager
func (m *Manager) Shutdown() error {
	if m.raft != nil {
		if err := m.raft.Shutdown().Error(); err != nil {
			return fmt.Errorf("failed to shutdown raft: %w", err)
		}
		m.raft = nil
	}

	for _, c := range m.stores {
		if err := c.Close(); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to close raft store")
		}
	}
	m.stores = nil

	if m.local != nil {
		if err := m.local.Close(); err != nil {
			return fmt.Errorf("failed to close store: %w", err)
		}
		m.local = nil
	}

	return nil
}
