package adapter

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/namespaces"
	"github.com/enascvm/admiral/pkg/fault"
	"github.com/enascvm/admiral/pkg/log"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// DefaultNamespace is the containerd namespace Admiral manages
	DefaultNamespace = "admiral"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	// DefaultStopTimeout is how long a task gets to exit after SIGTERM
	DefaultStopTimeout = 10 * time.Second
)

// ContainerdAdapter removes containers from the containerd instance of
// the local host
type ContainerdAdapter struct {
	client      *containerd.Client
	namespace   string
	stopTimeout time.Duration
	logger      zerolog.Logger
}

// NewContainerdAdapter connects to containerd at socketPath
func NewContainerdAdapter(socketPath, namespace string) (*ContainerdAdapter, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdAdapter{
		client:      client,
		namespace:   namespace,
		stopTimeout: DefaultStopTimeout,
		logger:      log.WithComponent("containerd-adapter"),
	}, nil
}

// Close closes the containerd client connection
func (a *ContainerdAdapter) Close() error {
	if a.client != nil {
		return a.client.Close()
	}
	return nil
}

// DeleteContainer stops the container's task if it is running, then
// removes the container together with its snapshot
func (a *ContainerdAdapter) DeleteContainer(ctx context.Context, s *Session, hostID, externalID string) error {
	ctx = namespaces.WithNamespace(ctx, a.namespace)

	container, err := a.client.LoadContainer(ctx, externalID)
	if err != nil {
		return classify(err, "load container", externalID)
	}

	if err := a.stopTask(ctx, container); err != nil {
		a.logger.Warn().Err(err).
			Str("host_id", hostID).
			Str("container_id", externalID).
			Msg("Failed to stop container before delete")
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return classify(err, "delete container", externalID)
	}
	return nil
}

// ListContainers returns the ids of every container in the namespace
func (a *ContainerdAdapter) ListContainers(ctx context.Context) ([]string, error) {
	ctx = namespaces.WithNamespace(ctx, a.namespace)

	containers, err := a.client.Containers(ctx)
	if err != nil {
		return nil, classify(err, "list containers", "")
	}

	ids := make([]string, 0, len(containers))
	for _, c := range containers {
		ids = append(ids, c.ID())
	}
	return ids, nil
}

func (a *ContainerdAdapter) stopTask(ctx context.Context, container containerd.Container) error {
	task, err := container.Task(ctx, nil)
	if err != nil {
		// No task means the container is not running
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, a.stopTimeout)
	defer cancel()

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}
	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return nil
}

// classify maps containerd errors onto fault classes
func classify(err error, op, resource string) error {
	var f *fault.Error
	switch {
	case errdefs.IsNotFound(err):
		f = fault.NotFound("container not found", err)
	case errdefs.IsUnavailable(err), errdefs.IsDeadlineExceeded(err), errdefs.IsCanceled(err):
		f = fault.Transient("containerd unavailable", err)
	case isDenied(err):
		f = fault.Unauthorized("containerd denied the request", err)
	case errdefs.IsFailedPrecondition(err):
		f = fault.Conflict("container busy", err)
	default:
		f = fault.Permanent("containerd request failed", err)
	}
	f = f.WithOp(op)
	if resource != "" {
		f = f.WithResource(resource)
	}
	return f
}

func isDenied(err error) bool {
	switch status.Code(err) {
	case codes.PermissionDenied, codes.Unauthenticated:
		return true
	}
	return false
}
