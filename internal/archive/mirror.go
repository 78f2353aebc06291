// Package archive mirrors crawl artifacts to MinIO object storage, so a
// run's output survives the local filesystem.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	miniogo "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/sitemill/sitemill/internal/logger"
)

const (
	defaultQueueSize  = 100
	defaultMaxRetries = 3
)

// Config controls artifact mirroring.
type Config struct {
	Enabled   bool   `mapstructure:"enabled"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	// Async uploads through a background worker instead of inline.
	Async bool `mapstructure:"async"`
	// FailSilently degrades mirroring errors to log warnings.
	FailSilently bool `mapstructure:"fail_silently"`
	MaxRetries   int  `mapstructure:"max_retries"`
}

// Object is one artifact to mirror.
type Object struct {
	// URL is the source URL the artifact came from.
	URL string
	// Kind groups objects in the bucket (e.g. "content", "PDF").
	Kind string
	// Name is the artifact's file name.
	Name string
	// Body is the artifact content.
	Body []byte
	// ContentType is the MIME type stored with the object.
	ContentType string
	// FetchedAt is when the artifact was produced.
	FetchedAt time.Time
}

// Mirror uploads crawl artifacts to a MinIO bucket. A disabled mirror is a
// no-op, so callers never need to branch on configuration.
type Mirror struct {
	client *miniogo.Client
	cfg    Config
	logger logger.Interface
	queue  chan Object
	worker *uploadWorker
}

// NewMirror creates an artifact mirror. When cfg.Enabled is false the mirror
// accepts and discards objects.
func NewMirror(cfg Config, log logger.Interface) (*Mirror, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}

	m := &Mirror{cfg: cfg, logger: log}

	if !cfg.Enabled {
		return m, nil
	}

	client, err := miniogo.New(cfg.Endpoint, &miniogo.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		if cfg.FailSilently {
			log.Warn("Mirror client init failed, continuing without mirroring", "error", err.Error())
			m.cfg.Enabled = false
			return m, nil
		}
		return nil, fmt.Errorf("create minio client: %w", err)
	}
	m.client = client

	if cfg.Async {
		m.queue = make(chan Object, defaultQueueSize)
		m.worker = newUploadWorker(m, log)
		m.worker.start()
	}

	log.Info("Artifact mirror initialized",
		"endpoint", cfg.Endpoint,
		"bucket", cfg.Bucket,
		"async", cfg.Async,
	)

	return m, nil
}

// Enabled reports whether the mirror uploads anything.
func (m *Mirror) Enabled() bool {
	return m.cfg.Enabled && m.client != nil
}

// Store mirrors one artifact. In async mode a full queue drops the object
// rather than stall the crawl.
func (m *Mirror) Store(ctx context.Context, obj Object) error {
	if !m.Enabled() {
		return nil
	}

	if m.cfg.Async {
		select {
		case m.queue <- obj:
			return nil
		default:
			m.logger.Warn("Mirror queue full, dropping artifact", "url", obj.URL, "name", obj.Name)
			if m.cfg.FailSilently {
				return nil
			}
			return errors.New("archive: upload queue full")
		}
	}

	return m.upload(ctx, obj)
}

// Close stops the async worker, draining queued uploads.
func (m *Mirror) Close() {
	if m.worker != nil {
		m.worker.stop()
	}
}

// upload puts one object into the bucket.
func (m *Mirror) upload(ctx context.Context, obj Object) error {
	key := m.objectKey(obj)

	_, err := m.client.PutObject(
		ctx,
		m.cfg.Bucket,
		key,
		bytes.NewReader(obj.Body),
		int64(len(obj.Body)),
		miniogo.PutObjectOptions{
			ContentType: obj.ContentType,
			UserMetadata: map[string]string{
				"source-url": obj.URL,
				"fetched-at": obj.FetchedAt.Format(time.RFC3339),
			},
		},
	)
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	m.logger.Debug("Mirrored artifact", "object_key", key, "size", len(obj.Body))
	return nil
}

// objectKey builds a stable bucket path: {kind}/{yyyy}/{mm}/{dd}/{hash}_{name}.
func (m *Mirror) objectKey(obj Object) string {
	ts := obj.FetchedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	sum := sha256.Sum256([]byte(obj.URL))
	hash := hex.EncodeToString(sum[:])[:8]
	return fmt.Sprintf("%s/%s/%s_%s",
		obj.Kind, ts.Format("2006/01/02"), hash, obj.Name)
}
