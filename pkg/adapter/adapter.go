package adapter

import (
	"context"
	"time"

	"github.com/enascvm/admiral/pkg/types"
)

// Session is an authenticated conversation with one host endpoint
type Session struct {
	Endpoint  string
	Token     string
	ExpiresAt time.Time
}

// Authenticator obtains sessions for host endpoints
type Authenticator interface {
	Login(ctx context.Context, endpoint string) (*Session, error)
}

// ContainerAdapter performs container operations on a host.
// Implementations classify failures with the fault package so callers can
// decide whether to retry.
type ContainerAdapter interface {
	DeleteContainer(ctx context.Context, s *Session, hostID, externalID string) error
}

// ExternalVolume is one entry of a host's volume inventory
type ExternalVolume struct {
	Name   string
	Driver string
}

// VolumeDetail is the full description of a volume returned by inspection
type VolumeDetail struct {
	Name       string
	Driver     string
	Scope      types.VolumeScope
	Mountpoint string
	Options    map[string]string
}

// VolumeAdapter lists and inspects volumes on a host
type VolumeAdapter interface {
	ListVolumes(ctx context.Context, s *Session, hostID string) ([]ExternalVolume, error)
	InspectVolume(ctx context.Context, s *Session, hostID, name string) (*VolumeDetail, error)
}
