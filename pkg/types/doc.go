/*
Package types defines the documents persisted and exchanged by Admiral.

All types are plain JSON-serializable structs. They are stored by the
storage package and replicated through the manager's Raft log, so every
field that must survive a restart carries a json tag.

# Tasks

A Task is one workflow instance. Its progress is tracked twice:

  - Stage is the coarse lifecycle shared by all workflows
    (CREATED, STARTED, FINISHED, FAILED, CANCELLED)
  - SubStage is the fine-grained marker defined by each workflow

SubStageCompleted and SubStageError are the two terminal sub-stages every
workflow shares; they map to TaskStageFinished and TaskStageFailed.

ResumeSubStage records the last sub-stage that is safe to resume from.
Sub-stages a workflow declares transient are written to SubStage but never
to ResumeSubStage.

A Callback chains tasks: when a task terminates, the task named by
Callback.Address is advanced to SuccessSubStage or FailureSubStage.

# Mirror Records

Container and Volume mirror resources owned by hosts. Volume.ParentLinks
lists every host that reports the volume; a global volume may have several
parents and is only deleted once no host reports it. Volume.MissingCount
counts consecutive reconciliation passes in which the volume was absent.

# Auxiliary Records

Placement, HostPortProfile, ContainerDescription and VolumeDescription are
the records a removal workflow releases or cleans up after the containers
themselves are gone.
*/
package types
