package adapter

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/enascvm/admiral/pkg/fault"
	"github.com/enascvm/admiral/pkg/types"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultVolumesPath is the base directory for local volumes
	DefaultVolumesPath = "/var/lib/admiral/volumes"

	// LocalDriver is the driver name reported for directory volumes
	LocalDriver = "local"

	metadataFile = "volume.yaml"
)

// volumeMetadata is the optional descriptor stored inside a volume directory
type volumeMetadata struct {
	Driver  string            `yaml:"driver"`
	Scope   types.VolumeScope `yaml:"scope"`
	Options map[string]string `yaml:"options,omitempty"`
}

// LocalVolumeAdapter serves volume inventories from directories laid out
// as <basePath>/<hostID>/<volume>. A volume directory may hold a
// volume.yaml naming its driver, scope and options.
type LocalVolumeAdapter struct {
	basePath string
}

// NewLocalVolumeAdapter creates a local volume adapter rooted at basePath
func NewLocalVolumeAdapter(basePath string) (*LocalVolumeAdapter, error) {
	if basePath == "" {
		basePath = DefaultVolumesPath
	}

	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create volumes directory: %w", err)
	}

	return &LocalVolumeAdapter{basePath: basePath}, nil
}

// ListVolumes returns every volume directory of a host. A host with no
// directory has no volumes.
func (a *LocalVolumeAdapter) ListVolumes(ctx context.Context, s *Session, hostID string) ([]ExternalVolume, error) {
	entries, err := os.ReadDir(a.hostPath(hostID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fault.Transient("failed to read volume inventory", err).WithResource(hostID)
	}

	volumes := make([]ExternalVolume, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		meta, err := a.readMetadata(hostID, entry.Name())
		if err != nil {
			return nil, err
		}
		volumes = append(volumes, ExternalVolume{Name: entry.Name(), Driver: meta.Driver})
	}
	sort.Slice(volumes, func(i, j int) bool { return volumes[i].Name < volumes[j].Name })
	return volumes, nil
}

// InspectVolume returns the full description of one volume
func (a *LocalVolumeAdapter) InspectVolume(ctx context.Context, s *Session, hostID, name string) (*VolumeDetail, error) {
	path := a.volumePath(hostID, name)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fault.NotFound("volume not found", err).WithResource(name)
		}
		return nil, fault.Transient("failed to stat volume", err).WithResource(name)
	}

	meta, err := a.readMetadata(hostID, name)
	if err != nil {
		return nil, err
	}
	return &VolumeDetail{
		Name:       name,
		Driver:     meta.Driver,
		Scope:      meta.Scope,
		Mountpoint: path,
		Options:    meta.Options,
	}, nil
}

// CreateVolume creates a volume directory on a host and records its metadata
func (a *LocalVolumeAdapter) CreateVolume(hostID string, detail VolumeDetail) (string, error) {
	path := a.volumePath(hostID, detail.Name)
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("failed to create volume directory: %w", err)
	}

	meta := volumeMetadata{Driver: detail.Driver, Scope: detail.Scope, Options: detail.Options}
	data, err := yaml.Marshal(&meta)
	if err != nil {
		return "", fmt.Errorf("failed to encode volume metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, metadataFile), data, 0644); err != nil {
		return "", fmt.Errorf("failed to write volume metadata: %w", err)
	}
	return path, nil
}

// DeleteVolume removes a volume directory and all of its contents
func (a *LocalVolumeAdapter) DeleteVolume(hostID, name string) error {
	path := a.volumePath(hostID, name)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // Already deleted
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to delete volume directory: %w", err)
	}
	return nil
}

func (a *LocalVolumeAdapter) readMetadata(hostID, name string) (volumeMetadata, error) {
	meta := volumeMetadata{Driver: LocalDriver, Scope: types.VolumeScopeLocal}

	data, err := os.ReadFile(filepath.Join(a.volumePath(hostID, name), metadataFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return meta, nil
		}
		return meta, fault.Transient("failed to read volume metadata", err).WithResource(name)
	}
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return meta, fault.Permanent("malformed volume metadata", err).WithResource(name)
	}
	if meta.Scope == "" {
		meta.Scope = types.VolumeScopeLocal
	}
	return meta, nil
}

func (a *LocalVolumeAdapter) hostPath(hostID string) string {
	return filepath.Join(a.basePath, hostID)
}

func (a *LocalVolumeAdapter) volumePath(hostID, name string) string {
	return filepath.Join(a.basePath, hostID, name)
}
