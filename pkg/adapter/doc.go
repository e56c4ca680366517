/*
Package adapter defines how Admiral talks to hosts.

ContainerAdapter and VolumeAdapter are the only operations the workflows
and the reconciler perform against a host. Every call carries a Session
obtained from Sessions, an endpoint-keyed cache that logs in on a miss and
shares one login among concurrent callers:

	session, err := sessions.Get(ctx, hostID)
	if err != nil {
		return err
	}
	err = containers.DeleteContainer(ctx, session, hostID, externalID)
	if fault.IsUnauthorized(err) {
		sessions.Invalidate(hostID)
	}

Adapters report failures as fault errors. Not-found, transient and
unauthorized failures are distinguished so callers can retry with the
retry package.

Two implementations are provided. ContainerdAdapter deletes containers
from the local containerd socket, stopping the running task first and
cleaning up the snapshot. LocalVolumeAdapter serves volume inventories
from a directory tree, reading driver, scope and options from an optional
volume.yaml inside each volume directory.
*/
package adapter
