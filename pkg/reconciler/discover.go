package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/enascvm/admiral/pkg/adapter"
	"github.com/enascvm/admiral/pkg/events"
	"github.com/enascvm/admiral/pkg/fault"
	"github.com/enascvm/admiral/pkg/metrics"
	"github.com/enascvm/admiral/pkg/retry"
	"github.com/enascvm/admiral/pkg/storage"
	"github.com/enascvm/admiral/pkg/types"
	"github.com/google/uuid"
)

// discover creates the mirror record of a volume first reported by hostID
// and starts its inspection
func (r *Reconciler) discover(ext adapter.ExternalVolume, hostID string) error {
	now := r.cfg.Now().UTC()
	v := &types.Volume{
		ID:              ext.Name,
		Name:            ext.Name,
		Driver:          ext.Driver,
		Scope:           types.VolumeScopeLocal,
		External:        true,
		DescriptionLink: uuid.NewString(),
		ParentLinks:     []string{hostID},
		OriginatingHost: hostID,
		PowerState:      types.PowerStateConnected,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := storage.Create(r.store, storage.KindVolume, v.ID, v)
	if errors.Is(err, storage.ErrConflict) {
		// Another host created a record of this name first
		return r.adoptGlobal(v.ID, hostID)
	}
	if err != nil {
		return fmt.Errorf("failed to create volume %s: %w", v.ID, err)
	}
	metrics.MirrorMutations.WithLabelValues("volume", "create").Inc()

	desc := &types.VolumeDescription{ID: v.DescriptionLink, Name: v.Name, Driver: v.Driver}
	if err := storage.Save(r.store, storage.KindVolumeDescription, desc.ID, desc); err != nil {
		r.logger.Warn().Err(err).Str("volume", v.ID).Msg("Failed to create volume description")
	}

	r.broker.Publish(&events.Event{
		Type:     events.EventVolumeDiscovered,
		Message:  fmt.Sprintf("volume %s discovered on %s", v.Name, hostID),
		Metadata: map[string]string{"volume": v.ID, "host_id": hostID},
	})
	r.logger.Info().Str("volume", v.ID).Str("host_id", hostID).Msg("Discovered volume")

	if r.ctx.Err() != nil {
		return nil
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.inspect(r.ctx, v.ID, hostID); err != nil {
			r.logger.Warn().Err(err).Str("volume", v.ID).Str("host_id", hostID).Msg("Volume inspection failed")
		}
	}()
	return nil
}

// adoptGlobal adds hostID as a parent of an existing global volume. A local
// volume of the same name belongs to its own host and is left alone.
func (r *Reconciler) adoptGlobal(id, hostID string) error {
	_, err := storage.Update(r.store, storage.KindVolume, id, func(v *types.Volume) error {
		if !v.IsGlobal() {
			r.logger.Debug().Str("volume", id).Str("host_id", hostID).Msg("Volume name taken by another host, not discovered")
			return storage.ErrSkipUpdate
		}
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
	return err
}

// inspect fills in the details of a discovered volume
func (r *Reconciler) inspect(ctx context.Context, id, hostID string) error {
	policy := retry.Policy{
		Name:       "volume-inspect",
		MaxRetries: r.cfg.InspectRetries,
		Backoff:    retry.Linear(r.cfg.InspectInterval),
		ShouldRetry: retry.Any(
			retry.OnUnauthorized(func() { r.sessions.Invalidate(hostID) }),
			retry.UnlessNotFound(),
		),
	}
	detail, err := retry.Run(ctx, policy, func(ctx context.Context, _ *retry.Control) (*adapter.VolumeDetail, error) {
		session, err := r.sessions.Get(ctx, hostID)
		if err != nil {
			return nil, err
		}
		return r.volumes.InspectVolume(ctx, session, hostID, id)
	})
	if err != nil {
		if fault.IsNotFound(err) {
			return nil
		}
		return err
	}

	_, err = storage.Update(r.store, storage.KindVolume, id, func(v *types.Volume) error {
		if detail.Driver != "" {
			v.Driver = detail.Driver
		}
		if detail.Scope != "" {
			v.Scope = detail.Scope
		}
		v.Mountpoint = detail.Mountpoint
		v.Options = detail.Options
		v.UpdatedAt = r.cfg.Now().UTC()
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err == nil {
		metrics.MirrorMutations.WithLabelValues("volume", "inspect").Inc()
	}
	return err
}
