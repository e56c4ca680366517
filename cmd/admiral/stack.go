package main

import (
	"context"
	"fmt"

	"github.com/enascvm/admiral/pkg/adapter"
	"github.com/enascvm/admiral/pkg/config"
	"github.com/enascvm/admiral/pkg/events"
	"github.com/enascvm/admiral/pkg/log"
	"github.com/enascvm/admiral/pkg/reconciler"
	"github.com/enascvm/admiral/pkg/removal"
	"github.com/enascvm/admiral/pkg/storage"
	"github.com/enascvm/admiral/pkg/task"
	"github.com/enascvm/admiral/pkg/ttlcache"
)

// stack holds the components shared by every command that touches hosts
type stack struct {
	cfg        *config.Config
	store      storage.Store
	broker     *events.Broker
	sessions   *adapter.Sessions
	locker     ttlcache.Locker
	reconciler *reconciler.Reconciler
	engine     *task.Engine

	cleanup []func()
}

// newStack builds the session cache, lock and volume reconciler over store
func newStack(ctx context.Context, cfg *config.Config, store storage.Store) (*stack, error) {
	s := &stack{cfg: cfg, store: store}

	s.broker = events.NewBroker()
	s.broker.Start()
	s.cleanup = append(s.cleanup, s.broker.Stop)

	s.sessions = adapter.NewSessions(adapter.LocalAuthenticator{}, cfg.Sessions.Cache())

	switch cfg.Lock.Backend {
	case config.LockRedis:
		locker, err := ttlcache.DialRedisLocker(ctx, cfg.Lock.RedisAddr, "", 0)
		if err != nil {
			s.close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.locker = locker
		s.cleanup = append(s.cleanup, func() {
			if err := locker.Close(); err != nil {
				log.Logger.Warn().Err(err).Msg("Failed to close redis locker")
			}
		})
	default:
		s.locker = ttlcache.NewLockTable()
	}

	volumes, err := adapter.NewLocalVolumeAdapter(cfg.Volumes.BasePath)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("failed to create volume adapter: %w", err)
	}

	s.reconciler = reconciler.NewReconciler(store, volumes, s.sessions, s.locker, s.broker, cfg.Reconcile.Reconciler())
	s.cleanup = append(s.cleanup, s.reconciler.Stop)
	return s, nil
}

// withTasks adds the task engine with the removal workflow registered
func (s *stack) withTasks(containers adapter.ContainerAdapter) error {
	engine, err := task.NewEngine(s.store, s.broker, s.cfg.Tasks.Engine())
	if err != nil {
		return fmt.Errorf("failed to create task engine: %w", err)
	}

	wf := removal.New(s.store, containers, s.sessions, s.reconciler, s.cfg.Removal.Workflow())
	if err := wf.Register(engine); err != nil {
		engine.Stop()
		return err
	}

	s.engine = engine
	// Stop the engine before the reconciler it triggers
	s.cleanup = append(s.cleanup, engine.Stop)
	return nil
}

// close stops components in reverse order of creation
func (s *stack) close() {
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
	s.cleanup = nil
}
