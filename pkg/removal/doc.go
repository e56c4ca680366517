/*
Package removal implements the container removal workflow.

A removal task takes container links and moves through:

	CREATED                   resolve links to container records; none found goes straight to COMPLETED
	INSTANCES_REMOVING        delete each container on its host, one barrier unit per container
	INSTANCES_REMOVED         fan out the release of placements, ports and records
	REMOVING_RESOURCE_STATES  wait for the release barrier
	COMPLETED                 refresh the inventory of the affected hosts

INSTANCES_REMOVING and REMOVING_RESOURCE_STATES are transient: a task
interrupted there restarts from the previous durable sub-stage.

Host deletes go through the retry package. Transient failures are retried
AdapterRetries times, an unauthorized failure invalidates the host session
before retrying, and a container already gone from the host counts as
removed. A delete that still fails clears the container's deleted flag and
fails the task with a message naming the container.

The release phase counts two units per resource link, one for the
placement and one for the record, so every path completes the barrier
exactly twice per link whether or not the record still exists.
*/
package removal
