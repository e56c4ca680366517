package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/enascvm/admiral/pkg/adapter"
	"github.com/enascvm/admiral/pkg/barrier"
	"github.com/enascvm/admiral/pkg/events"
	"github.com/enascvm/admiral/pkg/log"
	"github.com/enascvm/admiral/pkg/metrics"
	"github.com/enascvm/admiral/pkg/retry"
	"github.com/enascvm/admiral/pkg/storage"
	"github.com/enascvm/admiral/pkg/ttlcache"
	"github.com/enascvm/admiral/pkg/types"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Config holds configuration for the volume reconciler
type Config struct {
	// Interval between passes over every known host; zero disables the loop
	Interval time.Duration

	// LockTTL bounds how long a crashed pass can block its host
	LockTTL time.Duration

	// MissingThreshold is the number of consecutive passes a volume may be
	// absent before its record is deleted
	MissingThreshold int

	// RetiredExpiration is how long a retired record is kept
	RetiredExpiration time.Duration

	// InspectRetries and InspectInterval pace the inspection of newly
	// discovered volumes; the n-th retry waits n*InspectInterval
	InspectRetries  int
	InspectInterval time.Duration

	Now func() time.Time
}

// DefaultConfig returns the reconciler defaults
func DefaultConfig() Config {
	return Config{
		Interval:          time.Minute,
		LockTTL:           5 * time.Minute,
		MissingThreshold:  3,
		RetiredExpiration: 5 * time.Hour,
		InspectRetries:    3,
		InspectInterval:   10 * time.Second,
	}
}

// Result summarizes one reconciliation pass
type Result struct {
	// Skipped is set when another pass for the host was already running
	Skipped    bool
	Discovered int
	Updated    int
	Retired    int
	Deleted    int
}

// Reconciler keeps the volume mirror of each host in line with the host's
// actual inventory
type Reconciler struct {
	cfg      Config
	store    storage.Store
	volumes  adapter.VolumeAdapter
	sessions *adapter.Sessions
	locker   ttlcache.Locker
	broker   *events.Broker
	tracer   trace.Tracer
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewReconciler creates a new reconciler
func NewReconciler(store storage.Store, volumes adapter.VolumeAdapter, sessions *adapter.Sessions, locker ttlcache.Locker, broker *events.Broker, cfg Config) *Reconciler {
	defaults := DefaultConfig()
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaults.LockTTL
	}
	if cfg.MissingThreshold <= 0 {
		cfg.MissingThreshold = defaults.MissingThreshold
	}
	if cfg.RetiredExpiration <= 0 {
		cfg.RetiredExpiration = defaults.RetiredExpiration
	}
	if cfg.InspectRetries < 0 {
		cfg.InspectRetries = 0
	}
	if cfg.InspectInterval <= 0 {
		cfg.InspectInterval = defaults.InspectInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if locker == nil {
		locker = ttlcache.NewLockTable()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		cfg:      cfg,
		store:    store,
		volumes:  volumes,
		sessions: sessions,
		locker:   locker,
		broker:   broker,
		tracer:   otel.Tracer("github.com/enascvm/admiral/pkg/reconciler"),
		logger:   log.WithComponent("reconciler"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the periodic reconciliation loop
func (r *Reconciler) Start() {
	if r.cfg.Interval <= 0 {
		return
	}
	r.wg.Add(1)
	go r.run()
}

// Stop stops the loop and waits for in-flight passes and inspections
func (r *Reconciler) Stop() {
	r.cancel()
	r.wg.Wait()
}

// run is the main reconciliation loop
func (r *Reconciler) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.sweepLocks()
			r.reconcileAll()
		case <-r.ctx.Done():
			return
		}
	}
}

// sweepLocks drops expired lock entries of lockers kept in process memory
func (r *Reconciler) sweepLocks() {
	sw, ok := r.locker.(interface{ Sweep() int })
	if !ok {
		return
	}
	if n := sw.Sweep(); n > 0 {
		r.logger.Debug().Int("count", n).Msg("Swept expired reconciliation locks")
	}
}

func (r *Reconciler) reconcileAll() {
	hosts, err := storage.LoadAll[types.Host](r.store, storage.KindHost)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to list hosts")
		return
	}
	for _, h := range hosts {
		if h.Disabled {
			continue
		}
		r.Reconcile(r.ctx, h.ID)
	}
}

// Reconcile requests a pass for hostID and returns immediately. A request
// made while a pass for the host is active is dropped.
func (r *Reconciler) Reconcile(ctx context.Context, hostID string) {
	if r.ctx.Err() != nil {
		return
	}
	link := trace.LinkFromContext(ctx)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		passCtx := r.ctx
		if link.SpanContext.IsValid() {
			passCtx = trace.ContextWithRemoteSpanContext(passCtx, link.SpanContext)
		}
		if _, err := r.ReconcileNow(passCtx, hostID); err != nil {
			r.logger.Error().Err(err).Str("host_id", hostID).Msg("Reconciliation pass failed")
		}
	}()
}

// ReconcileNow runs one pass for hostID and waits for it
func (r *Reconciler) ReconcileNow(ctx context.Context, hostID string) (Result, error) {
	ctx, span := r.tracer.Start(ctx, "reconcile.volumes", trace.WithAttributes(
		attribute.String("host.id", hostID),
	))
	defer span.End()

	owner := "volumes/" + hostID
	token, acquired, err := r.locker.TryAcquire(ctx, owner, r.cfg.LockTTL)
	if err != nil {
		setSpanError(span, err)
		return Result{}, fmt.Errorf("failed to acquire reconciliation lock for %s: %w", hostID, err)
	}
	if !acquired {
		metrics.ReconciliationSkipped.Inc()
		span.SetAttributes(attribute.Bool("reconcile.skipped", true))
		r.broker.Publish(&events.Event{
			Type:     events.EventReconcileSkipped,
			Message:  "reconciliation already running",
			Metadata: map[string]string{"host_id": hostID},
		})
		r.logger.Debug().Str("host_id", hostID).Msg("Reconciliation already running, request dropped")
		return Result{Skipped: true}, nil
	}
	defer func() {
		if err := r.locker.Release(context.WithoutCancel(ctx), owner, token); err != nil {
			r.logger.Warn().Err(err).Str("host_id", hostID).Msg("Failed to release reconciliation lock")
		}
	}()

	timer := metrics.NewTimer()
	res, err := r.pass(ctx, hostID)
	timer.ObserveDuration(metrics.ReconciliationDuration)

	if err != nil {
		metrics.ReconciliationCyclesTotal.WithLabelValues("error").Inc()
		setSpanError(span, err)
		return res, err
	}
	metrics.ReconciliationCyclesTotal.WithLabelValues("success").Inc()
	span.SetAttributes(
		attribute.Int("volumes.discovered", res.Discovered),
		attribute.Int("volumes.retired", res.Retired),
		attribute.Int("volumes.deleted", res.Deleted),
	)
	return res, nil
}

// pass diffs the mirror of hostID against its inventory and applies the
// resulting mutations
func (r *Reconciler) pass(ctx context.Context, hostID string) (Result, error) {
	logger := log.WithHostID(hostID).With().Str("component", "reconciler").Logger()

	inventory, err := r.listVolumes(ctx, hostID)
	if err != nil {
		return Result{}, fmt.Errorf("failed to list volumes on %s: %w", hostID, err)
	}

	all, err := storage.LoadAll[types.Volume](r.store, storage.KindVolume)
	if err != nil {
		return Result{}, fmt.Errorf("failed to load volume mirror: %w", err)
	}

	observed := make(map[string]adapter.ExternalVolume, len(inventory))
	for _, v := range inventory {
		observed[v.Name] = v
	}

	var (
		res       Result
		mutations []func() error
	)
	for _, v := range all {
		if !v.HasParent(hostID) && !v.IsGlobal() {
			// The name belongs to a local volume of another host
			delete(observed, v.Name)
			continue
		}
		if v.Driver == "" {
			// Not inspected yet
			delete(observed, v.Name)
			continue
		}

		ext, seen := observed[v.Name]
		delete(observed, v.Name)
		id := v.ID

		if seen && ext.Driver == v.Driver {
			if v.HasParent(hostID) && v.PowerState == types.PowerStateConnected && v.MissingCount == 0 {
				continue
			}
			res.Updated++
			mutations = append(mutations, func() error { return r.markObserved(id, hostID) })
			continue
		}
		if !v.HasParent(hostID) {
			continue
		}

		if v.IsGlobal() && len(v.ParentLinks) > 1 {
			res.Updated++
			mutations = append(mutations, func() error { return r.removeParent(id, hostID) })
			continue
		}

		if v.MissingCount+1 >= r.cfg.MissingThreshold {
			res.Deleted++
		} else {
			res.Retired++
		}
		mutations = append(mutations, func() error { return r.markMissing(id) })
	}

	for _, ext := range observed {
		ext := ext
		res.Discovered++
		mutations = append(mutations, func() error { return r.discover(ext, hostID) })
	}

	if err := fanIn(mutations); err != nil {
		return res, err
	}

	logger.Debug().
		Int("discovered", res.Discovered).
		Int("updated", res.Updated).
		Int("retired", res.Retired).
		Int("deleted", res.Deleted).
		Msg("Volume reconciliation pass finished")
	return res, nil
}

// fanIn runs every mutation concurrently and waits for all of them. It
// does not return early on cancellation: mutations are store writes and
// must not outlive the pass.
func fanIn(mutations []func() error) error {
	if len(mutations) == 0 {
		return nil
	}

	done := make(chan error, 1)
	b, err := barrier.New(len(mutations), func(err error) { done <- err })
	if err != nil {
		return err
	}
	for _, m := range mutations {
		go func(m func() error) {
			if cerr := b.Complete(m()); cerr != nil {
				log.Logger.Error().Err(cerr).Msg("Mutation barrier misuse")
			}
		}(m)
	}

	return <-done
}

func (r *Reconciler) listVolumes(ctx context.Context, hostID string) ([]adapter.ExternalVolume, error) {
	policy := retry.Policy{
		Name:        "volume-list",
		MaxRetries:  1,
		ShouldRetry: retry.OnUnauthorized(func() { r.sessions.Invalidate(hostID) }),
	}
	return retry.Run(ctx, policy, func(ctx context.Context, _ *retry.Control) ([]adapter.ExternalVolume, error) {
		session, err := r.sessions.Get(ctx, hostID)
		if err != nil {
			return nil, err
		}
		return r.volumes.ListVolumes(ctx, session, hostID)
	})
}

// markObserved records that hostID reports the volume
func (r *Reconciler) markObserved(id, hostID string) error {
	_, err := storage.Update(r.store, storage.KindVolume, id, func(v *types.Volume) error {
		if !v.HasParent(hostID) {
			v.ParentLinks = append(v.ParentLinks, hostID)
		}
		v.PowerState = types.PowerStateConnected
		v.MissingCount = 0
		v.ExpiresAt = time.Time{}
		v.UpdatedAt = r.cfg.Now().UTC()
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err == nil {
		metrics.MirrorMutations.WithLabelValues("volume", "update").Inc()
	}
	return err
}

// removeParent detaches hostID from a global volume other hosts still report
func (r *Reconciler) removeParent(id, hostID string) error {
	_, err := storage.Update(r.store, storage.KindVolume, id, func(v *types.Volume) error {
		parents := v.ParentLinks[:0:0]
		for _, p := range v.ParentLinks {
			if p != hostID {
				parents = append(parents, p)
			}
		}
		if len(parents) == 0 {
			return storage.ErrSkipUpdate
		}
		v.ParentLinks = parents
		if v.OriginatingHost == hostID {
			v.OriginatingHost = parents[0]
		}
		v.UpdatedAt = r.cfg.Now().UTC()
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err == nil {
		metrics.MirrorMutations.WithLabelValues("volume", "unparent").Inc()
	}
	return err
}

// markMissing counts one more pass without the volume, retiring the record
// or deleting it once the threshold is reached
func (r *Reconciler) markMissing(id string) error {
	var deleted bool
	v, err := storage.Update(r.store, storage.KindVolume, id, func(v *types.Volume) error {
		v.MissingCount++
		if v.MissingCount >= r.cfg.MissingThreshold {
			deleted = true
			return storage.ErrSkipUpdate
		}
		v.PowerState = types.PowerStateRetired
		v.UpdatedAt = r.cfg.Now().UTC()
		v.ExpiresAt = v.UpdatedAt.Add(r.cfg.RetiredExpiration)
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if !deleted {
		metrics.MirrorMutations.WithLabelValues("volume", "retire").Inc()
		r.broker.Publish(&events.Event{
			Type:     events.EventVolumeRetired,
			Message:  fmt.Sprintf("volume %s missing for %d passes", id, v.MissingCount),
			Metadata: map[string]string{"volume": id},
		})
		return nil
	}

	if err := r.store.Delete(storage.KindVolume, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to delete volume %s: %w", id, err)
	}
	metrics.MirrorMutations.WithLabelValues("volume", "delete").Inc()
	r.broker.Publish(&events.Event{
		Type:     events.EventVolumeDeleted,
		Message:  fmt.Sprintf("volume %s removed after %d missed passes", id, r.cfg.MissingThreshold),
		Metadata: map[string]string{"volume": id},
	})
	r.logger.Info().Str("volume", id).Msg("Deleted missing volume")
	return nil
}

func setSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	span.AddEvent("error_occurred")
}
