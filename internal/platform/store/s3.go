package store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sync"
	"time"

	"github.com/dontdude/gradex/internal/config"
	"github.com/dontdude/gradex/internal/domain"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ObjectClient is the object storage surface the S3 store needs.
type ObjectClient interface {
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error
}

// MinIOClient implements ObjectClient over any S3-compatible endpoint.
type MinIOClient struct {
	core *minio.Core
}

// NewMinIOClient connects with static keys when configured, otherwise with instance role
// credentials.
func NewMinIOClient(cfg config.S3Config) (*MinIOClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("s3 endpoint is required")
	}
	opts := &minio.Options{
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.AccessKey != "" {
		opts.Creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		opts.Creds = credentials.NewIAM("")
	}
	core, err := minio.NewCore(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("create minio core failed: %w", err)
	}
	return &MinIOClient{core: core}, nil
}

func (c *MinIOClient) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	obj, _, _, err := c.core.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("minio get object failed: %w", err)
	}
	return obj, nil
}

// PutObject uploads r. A negative size streams the body as a multipart upload.
func (c *MinIOClient) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, contentType string) error {
	opts := minio.PutObjectOptions{}
	if contentType != "" {
		opts.ContentType = contentType
	}
	if _, err := c.core.Client.PutObject(ctx, bucket, key, r, size, opts); err != nil {
		return fmt.Errorf("minio put object failed: %w", err)
	}
	return nil
}

// MaxLogSize caps the output.log kept in memory and uploaded for one job.
const MaxLogSize = 1 << 20

const logTruncatedLine = "[output truncated: log exceeded 1 MiB]\n"

// S3Store keeps a job's files under <bucket>/<rootKey>/.
type S3Store struct {
	objects       ObjectClient
	bucket        string
	rootKey       string
	flushInterval time.Duration
	maxLogSize    int
}

var _ domain.ArtifactStore = (*S3Store)(nil)

func NewS3Store(objects ObjectClient, bucket, rootKey string) *S3Store {
	return &S3Store{objects: objects, bucket: bucket, rootKey: rootKey, flushInterval: time.Second, maxLogSize: MaxLogSize}
}

func (s *S3Store) key(name string) string {
	return path.Join(s.rootKey, name)
}

func (s *S3Store) Name() string {
	return fmt.Sprintf("([S3] %s/%s)", s.bucket, s.rootKey)
}

func (s *S3Store) Get(ctx context.Context, name string) (io.ReadCloser, error) {
	return s.objects.GetObject(ctx, s.bucket, s.key(name))
}

func (s *S3Store) PutBuffer(ctx context.Context, name string, data []byte) error {
	return s.objects.PutObject(ctx, s.bucket, s.key(name), bytes.NewReader(data), int64(len(data)), contentTypeFor(name))
}

func (s *S3Store) PutStream(ctx context.Context, name string, r io.Reader) error {
	return s.objects.PutObject(ctx, s.bucket, s.key(name), r, -1, contentTypeFor(name))
}

// CreateLogSink returns a sink that re-uploads the whole log every flush interval while it
// has unsent writes, and once more on Close. Writes past the size cap are dropped after a single
// truncation marker.
func (s *S3Store) CreateLogSink(ctx context.Context) (io.WriteCloser, error) {
	sink := &s3LogSink{
		store: s,
		ctx:   context.WithoutCancel(ctx),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go sink.loop(s.flushInterval)
	return sink, nil
}

type s3LogSink struct {
	store *S3Store
	ctx   context.Context

	mu        sync.Mutex
	buf       bytes.Buffer
	dirty     bool
	truncated bool

	stop chan struct{}
	done chan struct{}
	once sync.Once
}

func (l *s3LogSink) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.truncated {
		return len(p), nil
	}
	l.dirty = true
	if room := l.store.maxLogSize - l.buf.Len(); len(p) > room {
		l.buf.Write(p[:max(room, 0)])
		l.buf.WriteString(logTruncatedLine)
		l.truncated = true
		return len(p), nil
	}
	return l.buf.Write(p)
}

func (l *s3LogSink) loop(interval time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			if err := l.flush(); err != nil {
				slog.Error("Error sending logs to output.log in file store", "store", l.store.Name(), "error", err)
			}
		}
	}
}

func (l *s3LogSink) flush() error {
	l.mu.Lock()
	if !l.dirty {
		l.mu.Unlock()
		return nil
	}
	snapshot := bytes.Clone(l.buf.Bytes())
	l.dirty = false
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(l.ctx, 30*time.Second)
	defer cancel()
	return l.store.PutBuffer(ctx, LogName, snapshot)
}

func (l *s3LogSink) Close() error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		err = l.flush()
	})
	return err
}
