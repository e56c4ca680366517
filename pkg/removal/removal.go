package removal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/enascvm/admiral/pkg/adapter"
	"github.com/enascvm/admiral/pkg/fault"
	"github.com/enascvm/admiral/pkg/retry"
	"github.com/enascvm/admiral/pkg/storage"
	"github.com/enascvm/admiral/pkg/task"
	"github.com/enascvm/admiral/pkg/types"
)

// Kind is the task kind of container removal
const Kind = "container-removal"

// Container removal sub-stages
const (
	SubStageInstancesRemoving      types.SubStage = "INSTANCES_REMOVING"
	SubStageInstancesRemoved       types.SubStage = "INSTANCES_REMOVED"
	SubStageRemovingResourceStates types.SubStage = "REMOVING_RESOURCE_STATES"
)

// Config holds the retry bounds of the removal workflow
type Config struct {
	// AdapterRetries bounds retries of a container delete on a host
	AdapterRetries    int
	AdapterRetryDelay time.Duration

	// DescriptionRetries bounds retries of a container description delete
	DescriptionRetries    int
	DescriptionRetryDelay time.Duration
}

// DefaultConfig returns the removal defaults
func DefaultConfig() Config {
	return Config{
		AdapterRetries:        1,
		AdapterRetryDelay:     15 * time.Second,
		DescriptionRetries:    1,
		DescriptionRetryDelay: time.Second,
	}
}

// InventoryRefresher re-collects the inventory of a host once its
// containers are gone
type InventoryRefresher interface {
	Reconcile(ctx context.Context, hostID string)
}

// Workflow removes containers from their hosts and then cleans up every
// record that referenced them
type Workflow struct {
	cfg        Config
	store      storage.Store
	containers adapter.ContainerAdapter
	sessions   *adapter.Sessions
	refresher  InventoryRefresher
}

// data is the workflow state carried between sub-stages
type data struct {
	ContainerLinks []string `json:"containerLinks"`
	ParentLinks    []string `json:"parentLinks"`
}

// New creates the removal workflow. refresher may be nil.
func New(store storage.Store, containers adapter.ContainerAdapter, sessions *adapter.Sessions, refresher InventoryRefresher, cfg Config) *Workflow {
	return &Workflow{
		cfg:        cfg,
		store:      store,
		containers: containers,
		sessions:   sessions,
		refresher:  refresher,
	}
}

// Definition returns the workflow's transition table and handlers
func (w *Workflow) Definition() *task.Definition {
	return &task.Definition{
		Kind: Kind,
		Stages: []types.SubStage{
			types.SubStageCreated,
			SubStageInstancesRemoving,
			SubStageInstancesRemoved,
			SubStageRemovingResourceStates,
			types.SubStageCompleted,
			types.SubStageError,
		},
		Transitions: map[types.SubStage][]types.SubStage{
			types.SubStageCreated:          {SubStageInstancesRemoving, types.SubStageCompleted, types.SubStageError},
			SubStageInstancesRemoving:      {SubStageInstancesRemoved, types.SubStageError},
			SubStageInstancesRemoved:       {SubStageRemovingResourceStates, types.SubStageError},
			SubStageRemovingResourceStates: {types.SubStageCompleted, types.SubStageError},
		},
		Transient: []types.SubStage{SubStageInstancesRemoving, SubStageRemovingResourceStates},
		Handlers: map[types.SubStage]task.Handler{
			types.SubStageCreated:     w.queryContainers,
			SubStageInstancesRemoving: w.removeInstances,
			SubStageInstancesRemoved:  w.removeResources,
			types.SubStageCompleted:   w.refreshHosts,
		},
	}
}

// Register installs the workflow in engine
func (w *Workflow) Register(engine *task.Engine) error {
	return engine.Register(w.Definition())
}

// queryContainers resolves the resource links to container records
func (w *Workflow) queryContainers(tc *task.Context) error {
	var d data
	seen := make(map[string]bool)
	for _, link := range tc.Task.ResourceLinks {
		c, _, err := storage.Load[types.Container](w.store, storage.KindContainer, link)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return fmt.Errorf("failed to load container %s: %w", link, err)
		}
		d.ContainerLinks = append(d.ContainerLinks, c.ID)
		if c.HostID != "" && !seen[c.HostID] {
			seen[c.HostID] = true
			d.ParentLinks = append(d.ParentLinks, c.HostID)
		}
	}

	if len(d.ContainerLinks) == 0 {
		tc.Logger.Warn().Strs("resources", tc.Task.ResourceLinks).Msg("No containers found to remove")
		tc.Proceed(types.SubStageCompleted, task.Patch{})
		return nil
	}

	tc.Proceed(SubStageInstancesRemoving, task.Patch{Data: d})
	return nil
}

// removeInstances deletes every container from its host, one barrier unit
// per container
func (w *Workflow) removeInstances(tc *task.Context) error {
	if tc.Task.RemoveOnly {
		tc.Logger.Debug().Msg("Skipping container removal on hosts, removeOnly is set")
		tc.Proceed(SubStageInstancesRemoved, task.Patch{})
		return nil
	}

	var d data
	if err := tc.DecodeData(&d); err != nil {
		return err
	}

	barrierID, err := tc.NewBarrier(len(d.ContainerLinks), SubStageInstancesRemoved, types.SubStageError)
	if err != nil {
		return err
	}

	tc.Logger.Info().Int("containers", len(d.ContainerLinks)).Msg("Starting delete of container instances")
	for _, link := range d.ContainerLinks {
		link := link
		tc.Go(func(ctx context.Context) {
			tc.CompleteUnit(barrierID, w.removeInstance(ctx, tc, link))
		})
	}
	return nil
}

func (w *Workflow) removeInstance(ctx context.Context, tc *task.Context, link string) error {
	c, _, err := storage.Load[types.Container](w.store, storage.KindContainer, link)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", link, err)
	}

	if c.ExternalID == "" {
		tc.Logger.Warn().Str("container", link).Msg("Container has no external id, nothing to delete on host")
		return nil
	}
	if c.System {
		tc.Logger.Warn().Str("container", link).Msg("System container will not be removed")
		return nil
	}

	if err := w.markDeleted(link, true); err != nil {
		return fmt.Errorf("failed to remove container %s: %w", link, err)
	}

	policy := retry.Policy{
		Name:       "container-delete",
		MaxRetries: w.cfg.AdapterRetries,
		Delay:      w.cfg.AdapterRetryDelay,
		ShouldRetry: retry.Any(
			retry.OnUnauthorized(func() { w.sessions.Invalidate(c.HostID) }),
			retry.Retryable(),
		),
	}
	_, err = retry.Run(ctx, policy, func(ctx context.Context, _ *retry.Control) (struct{}, error) {
		session, err := w.sessions.Get(ctx, c.HostID)
		if err != nil {
			return struct{}{}, err
		}
		return struct{}{}, w.containers.DeleteContainer(ctx, session, c.HostID, c.ExternalID)
	})

	if fault.IsNotFound(err) {
		tc.Logger.Debug().Str("container", link).Msg("Container already gone from host")
		return nil
	}
	if err != nil {
		if rerr := w.markDeleted(link, false); rerr != nil {
			tc.Logger.Warn().Err(rerr).Str("container", link).Msg("Failed to revert deleted flag")
		}
		return fmt.Errorf("failed to remove container %s: %w", link, err)
	}
	return nil
}

func (w *Workflow) markDeleted(link string, deleted bool) error {
	_, err := storage.Update(w.store, storage.KindContainer, link, func(c *types.Container) error {
		if c.Deleted == deleted {
			return storage.ErrSkipUpdate
		}
		c.Deleted = deleted
		c.UpdatedAt = time.Now().UTC()
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// removeResources releases what the containers held and deletes their
// records. Each resource link contributes exactly two barrier units: the
// placement release and the record delete.
func (w *Workflow) removeResources(tc *task.Context) error {
	links := tc.Task.ResourceLinks
	barrierID, err := tc.NewBarrier(2*len(links), types.SubStageCompleted, types.SubStageError)
	if err != nil {
		return err
	}

	tc.Proceed(SubStageRemovingResourceStates, task.Patch{})

	for _, link := range links {
		link := link
		tc.Go(func(ctx context.Context) {
			w.removeResource(ctx, tc, barrierID, link)
		})
	}
	return nil
}

func (w *Workflow) removeResource(ctx context.Context, tc *task.Context, barrierID, link string) {
	complete := func(err error) { tc.CompleteUnit(barrierID, err) }

	c, _, err := storage.Load[types.Container](w.store, storage.KindContainer, link)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			tc.Logger.Debug().Str("container", link).Msg("Container record already removed")
			err = nil
		} else {
			err = fmt.Errorf("failed to load container %s: %w", link, err)
		}
		complete(err)
		complete(nil)
		return
	}

	if c.System {
		tc.Logger.Warn().Str("container", link).Msg("System container record will not be removed")
		complete(nil)
		complete(nil)
		return
	}

	if err := w.releasePlacement(tc.Task, c); err != nil {
		complete(fmt.Errorf("failed to release placement of container %s: %w", link, err))
		complete(nil)
		return
	}
	complete(nil)
	complete(w.deleteRecord(ctx, tc, c))
}

func (w *Workflow) releasePlacement(t *types.Task, c *types.Container) error {
	if c.Discovered || t.SkipReleaseResourcePlacement || c.PlacementLink == "" {
		return nil
	}
	_, err := storage.Update(w.store, storage.KindPlacement, c.PlacementLink, func(p *types.Placement) error {
		if p.Allocated <= 0 {
			return storage.ErrSkipUpdate
		}
		p.Allocated--
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

func (w *Workflow) releasePorts(c *types.Container) error {
	_, err := storage.Update(w.store, storage.KindPortProfile, c.HostID, func(p *types.HostPortProfile) error {
		released := 0
		for port, owner := range p.Allocations {
			if owner == c.ID {
				delete(p.Allocations, port)
				released++
			}
		}
		if released == 0 {
			return storage.ErrSkipUpdate
		}
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

func (w *Workflow) deleteRecord(ctx context.Context, tc *task.Context, c *types.Container) error {
	if err := w.releasePorts(c); err != nil {
		return fmt.Errorf("failed to release ports of container %s: %w", c.ID, err)
	}

	removeDescription, err := w.descriptionRemovable(tc.Task, c)
	if err != nil {
		return err
	}

	if err := w.store.Delete(storage.KindContainer, c.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to delete container record %s: %w", c.ID, err)
	}
	tc.Logger.Info().Str("container", c.ID).Msg("Deleted container record")

	if !removeDescription {
		return nil
	}

	policy := retry.Policy{
		Name:        "description-delete",
		MaxRetries:  w.cfg.DescriptionRetries,
		Delay:       w.cfg.DescriptionRetryDelay,
		ShouldRetry: retry.Retryable(),
	}
	_, err = retry.Run(ctx, policy, func(ctx context.Context, _ *retry.Control) (struct{}, error) {
		err := w.store.Delete(storage.KindContainerDescription, c.DescriptionLink)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return struct{}{}, fault.Transient("description delete failed", err).WithResource(c.DescriptionLink)
		}
		return struct{}{}, nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete container description %s: %w", c.DescriptionLink, err)
	}
	tc.Logger.Info().Str("description", c.DescriptionLink).Msg("Deleted container description")
	return nil
}

// descriptionRemovable reports whether every container sharing c's
// description is being removed and no redeployment keeps it alive
func (w *Workflow) descriptionRemovable(t *types.Task, c *types.Container) (bool, error) {
	if c.DescriptionLink == "" {
		return false, nil
	}
	if _, ok := t.CustomProperties[types.RedeploymentProperty]; ok {
		return false, nil
	}

	desc, _, err := storage.Load[types.ContainerDescription](w.store, storage.KindContainerDescription, c.DescriptionLink)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load container description %s: %w", c.DescriptionLink, err)
	}
	if _, ok := desc.CustomProperties[types.RedeploymentProperty]; ok {
		return false, nil
	}

	removing := make(map[string]bool, len(t.ResourceLinks))
	for _, link := range t.ResourceLinks {
		removing[link] = true
	}

	containers, err := storage.LoadAll[types.Container](w.store, storage.KindContainer)
	if err != nil {
		return false, fmt.Errorf("failed to list containers sharing %s: %w", c.DescriptionLink, err)
	}
	for _, other := range containers {
		if other.DescriptionLink == c.DescriptionLink && !removing[other.ID] {
			return false, nil
		}
	}
	return true, nil
}

// refreshHosts triggers an inventory pass on every host that lost
// containers. Discovery would otherwise bring back records removed with
// removeOnly, so those hosts are left alone.
func (w *Workflow) refreshHosts(tc *task.Context) error {
	if tc.Task.RemoveOnly || w.refresher == nil {
		return nil
	}

	var d data
	if err := tc.DecodeData(&d); err != nil {
		return err
	}
	for _, host := range d.ParentLinks {
		w.refresher.Reconcile(tc, host)
	}
	return nil
}
