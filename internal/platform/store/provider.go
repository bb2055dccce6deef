// Package store implements the per-job artifact stores.
package store

import (
	"fmt"
	"path"
	"strings"

	"github.com/dontdude/gradex/internal/config"
	"github.com/dontdude/gradex/internal/domain"
)

// Well-known artifact names.
const (
	InputName   = "job.tar.gz"
	ResultsName = "results.json"
	ArchiveName = "archive.tar.gz"
	LogName     = "output.log"
)

// Provider picks the configured store type for each job.
type Provider struct {
	kind     string
	diskPath string
	objects  ObjectClient
}

var _ domain.StoreProvider = (*Provider)(nil)

func NewProvider(cfg *config.Config, objects ObjectClient) (*Provider, error) {
	switch cfg.Store.Type {
	case config.StoreS3:
		if objects == nil {
			return nil, fmt.Errorf("s3 store requires an object client")
		}
	case config.StoreDisk:
	default:
		return nil, fmt.Errorf("unknown file store type %q", cfg.Store.Type)
	}
	return &Provider{kind: cfg.Store.Type, diskPath: cfg.Store.DiskPath, objects: objects}, nil
}

func (p *Provider) ProvideStore(job domain.Job) (domain.ArtifactStore, error) {
	switch p.kind {
	case config.StoreS3:
		if job.S3Bucket == "" || job.S3RootKey == "" {
			return nil, fmt.Errorf("job %s has no s3 location", job.ID)
		}
		return NewS3Store(p.objects, job.S3Bucket, path.Clean(job.S3RootKey)), nil
	default:
		return NewDiskStore(p.diskPath, job.ID), nil
	}
}

func contentTypeFor(name string) string {
	switch {
	case strings.HasSuffix(name, ".json"):
		return "application/json"
	case strings.HasSuffix(name, ".gz"):
		return "application/gzip"
	case strings.HasSuffix(name, ".log"):
		return "text/plain; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
