package types

import (
	"encoding/json"
	"time"
)

// TaskStage is the coarse lifecycle of a task document
type TaskStage string

const (
	TaskStageCreated   TaskStage = "CREATED"
	TaskStageStarted   TaskStage = "STARTED"
	TaskStageFinished  TaskStage = "FINISHED"
	TaskStageFailed    TaskStage = "FAILED"
	TaskStageCancelled TaskStage = "CANCELLED"
)

// IsTerminal reports whether no further transitions may be applied
func (s TaskStage) IsTerminal() bool {
	switch s {
	case TaskStageFinished, TaskStageFailed, TaskStageCancelled:
		return true
	}
	return false
}

// SubStage is the workflow-specific progress marker of a task.
// Each workflow defines its own closed set of sub-stages.
type SubStage string

const (
	// SubStageCreated is the entry point of every workflow
	SubStageCreated SubStage = "CREATED"
	// SubStageCompleted maps to TaskStageFinished
	SubStageCompleted SubStage = "COMPLETED"
	// SubStageError maps to TaskStageFailed
	SubStageError SubStage = "ERROR"
)

// Callback addresses the task to notify when a task terminates
type Callback struct {
	// Address is the id of the task that receives the notification
	Address         string   `json:"address" validate:"required"`
	SuccessSubStage SubStage `json:"successSubStage" validate:"required"`
	FailureSubStage SubStage `json:"failureSubStage" validate:"required"`
}

// Task is the persisted record of one workflow instance
type Task struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	Stage    TaskStage `json:"stage"`
	SubStage SubStage  `json:"subStage"`

	// ResumeSubStage is the last durable (non-transient) sub-stage.
	// A restarted owner resumes from here, never from SubStage.
	ResumeSubStage SubStage `json:"resumeSubStage"`

	ResourceLinks                []string          `json:"resourceLinks"`
	RemoveOnly                   bool              `json:"removeOnly,omitempty"`
	SkipReleaseResourcePlacement bool              `json:"skipReleaseResourcePlacement,omitempty"`
	Callback                     *Callback         `json:"callback,omitempty"`
	CustomProperties             map[string]string `json:"customProperties,omitempty"`

	// Data carries workflow-private state between sub-stages
	Data json.RawMessage `json:"data,omitempty"`

	FailureMessage string `json:"failureMessage,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// PowerState is the observed status of a mirrored resource
type PowerState string

const (
	PowerStateUnknown      PowerState = "UNKNOWN"
	PowerStateProvisioning PowerState = "PROVISIONING"
	PowerStateRunning      PowerState = "RUNNING"
	PowerStateStopped      PowerState = "STOPPED"
	PowerStateConnected    PowerState = "CONNECTED"
	PowerStateRetired      PowerState = "RETIRED"
)

// Container mirrors a container running on a host
type Container struct {
	ID string `json:"id"`
	// ExternalID is the runtime identifier, empty until provisioned
	ExternalID      string            `json:"externalId,omitempty"`
	Name            string            `json:"name"`
	HostID          string            `json:"hostId"`
	DescriptionLink string            `json:"descriptionLink,omitempty"`
	PlacementLink   string            `json:"placementLink,omitempty"`
	Ports           []int             `json:"ports,omitempty"`
	System          bool              `json:"system,omitempty"`
	Discovered      bool              `json:"discovered,omitempty"`
	Deleted         bool              `json:"deleted,omitempty"`
	PowerState      PowerState        `json:"powerState"`
	Labels          map[string]string `json:"labels,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// ContainerDescription is the template a set of containers was provisioned from
type ContainerDescription struct {
	ID               string            `json:"id"`
	Name             string            `json:"name"`
	Image            string            `json:"image"`
	CustomProperties map[string]string `json:"customProperties,omitempty"`
}

// RedeploymentProperty on a description keeps it alive after its containers are removed
const RedeploymentProperty = "__redeployment"

// Placement tracks how many instances were allocated against a resource pool
type Placement struct {
	ID        string `json:"id"`
	Pool      string `json:"pool"`
	Allocated int    `json:"allocated"`
}

// HostPortProfile records the host ports reserved by containers on one host
type HostPortProfile struct {
	// ID is the host id
	ID          string         `json:"id"`
	Allocations map[int]string `json:"allocations"` // port -> container id
}

// VolumeScope distinguishes host-local volumes from shared ones
type VolumeScope string

const (
	VolumeScopeLocal  VolumeScope = "local"
	VolumeScopeGlobal VolumeScope = "global"
)

// Volume mirrors a volume reported by a host's volume inventory
type Volume struct {
	// ID is the volume name
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Driver          string            `json:"driver"`
	Scope           VolumeScope       `json:"scope"`
	Mountpoint      string            `json:"mountpoint,omitempty"`
	Options         map[string]string `json:"options,omitempty"`
	External        bool              `json:"external"`
	DescriptionLink string            `json:"descriptionLink,omitempty"`

	// ParentLinks lists the hosts that report this volume; global volumes
	// may have several
	ParentLinks     []string `json:"parentLinks"`
	OriginatingHost string   `json:"originatingHost"`

	PowerState PowerState `json:"powerState"`
	// MissingCount is the number of consecutive passes in which the
	// volume was absent from its host's inventory
	MissingCount int `json:"missingCount"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// IsGlobal reports whether the volume is shared between hosts
func (v *Volume) IsGlobal() bool {
	return v.Scope == VolumeScopeGlobal
}

// HasParent reports whether hostID is one of the volume's parents
func (v *Volume) HasParent(hostID string) bool {
	for _, p := range v.ParentLinks {
		if p == hostID {
			return true
		}
	}
	return false
}

// VolumeDescription is the descriptive record created alongside a discovered volume
type VolumeDescription struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Driver string `json:"driver,omitempty"`
}

// Host is a managed compute endpoint that owns containers and volumes
type Host struct {
	ID       string            `json:"id"`
	Address  string            `json:"address"`
	Labels   map[string]string `json:"labels,omitempty"`
	Disabled bool              `json:"disabled,omitempty"`
}

// Expiration implements storage expiry for tasks
func (t *Task) Expiration() time.Time {
	return t.ExpiresAt
}

// Expiration implements storage expiry for volumes
func (v *Volume) Expiration() time.Time {
	return v.ExpiresAt
}
