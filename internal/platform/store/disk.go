package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dontdude/gradex/internal/domain"
	"github.com/natefinch/atomic"
)

// DiskStore keeps a job's files in <root>/job_<id>/.
type DiskStore struct {
	basePath string
}

var _ domain.ArtifactStore = (*DiskStore)(nil)

func NewDiskStore(root string, id domain.JobID) *DiskStore {
	return &DiskStore{basePath: filepath.Join(root, fmt.Sprintf("job_%s", filepath.Base(id.String())))}
}

func (d *DiskStore) Name() string {
	return fmt.Sprintf("([disk] %s)", d.basePath)
}

func (d *DiskStore) path(name string) string {
	return filepath.Join(d.basePath, filepath.Clean("/"+name))
}

func (d *DiskStore) Get(_ context.Context, name string) (io.ReadCloser, error) {
	return os.Open(d.path(name))
}

func (d *DiskStore) PutBuffer(_ context.Context, name string, data []byte) error {
	if err := os.MkdirAll(d.basePath, 0o755); err != nil {
		return err
	}
	return d.PutStream(context.Background(), name, bytes.NewReader(data))
}

// PutStream replaces name with a rename, so a concurrent run of the same job never leaves a
// half-written file behind.
func (d *DiskStore) PutStream(_ context.Context, name string, r io.Reader) error {
	if err := os.MkdirAll(d.basePath, 0o755); err != nil {
		return err
	}
	return atomic.WriteFile(d.path(name), r)
}

func (d *DiskStore) CreateLogSink(_ context.Context) (io.WriteCloser, error) {
	if err := os.MkdirAll(d.basePath, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(d.path(LogName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}
