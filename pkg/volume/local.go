package volume

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DefaultVolumesPath is the base directory for local volumes
	DefaultVolumesPath = "/var/lib/dynsched/volumes"
)

// Volume is a host directory bind mounted into a sidecar
type Volume struct {
	NodeID   string
	RunID    string
	Name     string // Derived from Target
	Target   string // Path inside the sidecar
	ReadOnly bool
	HostPath string // Set by Create
}

// LocalDriver lays volumes out as <base>/<node id>/<run id>/<name>
type LocalDriver struct {
	basePath string
}

// NewLocalDriver creates a new local volume driver
func NewLocalDriver(basePath string) (*LocalDriver, error) {
	if basePath == "" {
		basePath = DefaultVolumesPath
	}

	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create volumes directory: %w", err)
	}

	return &LocalDriver{
		basePath: basePath,
	}, nil
}

// VolumeName turns a target path into a directory name
func VolumeName(target string) string {
	name := strings.ReplaceAll(strings.Trim(filepath.Clean(target), "/"), "/", "_")
	if name == "" || name == "." {
		return "root"
	}
	return name
}

// RunDir returns the directory holding every volume of one service run
func (d *LocalDriver) RunDir(nodeID, runID string) string {
	return filepath.Join(d.basePath, nodeID, runID)
}

// GetPath returns the host path for a volume
func (d *LocalDriver) GetPath(v *Volume) string {
	return filepath.Join(d.RunDir(v.NodeID, v.RunID), v.Name)
}

// Create creates the volume directory and records its host path
func (d *LocalDriver) Create(v *Volume) error {
	if v.Name == "" {
		v.Name = VolumeName(v.Target)
	}
	path := d.GetPath(v)
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create volume directory: %w", err)
	}
	v.HostPath = path
	return nil
}

// Delete removes a directory tree. A missing path is not an error.
func (d *LocalDriver) Delete(path string) error {
	if !strings.HasPrefix(filepath.Clean(path), filepath.Clean(d.basePath)+string(os.PathSeparator)) {
		return fmt.Errorf("refusing to delete %s outside of %s", path, d.basePath)
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to delete volume directory: %w", err)
	}
	return nil
}

// PruneEmpty removes the node directory when its last run is gone
func (d *LocalDriver) PruneEmpty(nodeID string) {
	_ = os.Remove(filepath.Join(d.basePath, nodeID))
}
