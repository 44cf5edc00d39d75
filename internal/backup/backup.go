// Package backup takes encrypted snapshots of the database and keeps them in
// S3-compatible object storage.
package backup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	_ "modernc.org/sqlite"
)

// ObjectStore is the part of the S3 API snapshots use.
type ObjectStore interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, input *s3.ListObjectsV2Input, opts ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

// Config holds snapshot configuration.
type Config struct {
	S3         S3Config
	Passphrase string
	// Prefix namespaces snapshot keys inside the bucket.
	Prefix string
	// Retention is how long snapshots are kept; zero keeps them all.
	Retention time.Duration
}

// Enabled reports whether storage and encryption are both configured.
func (c Config) Enabled() bool {
	return c.S3.Bucket != "" && c.S3.AccessKey != "" && c.S3.SecretKey != "" && c.Passphrase != ""
}

// NewS3Client builds a path-style client, which MinIO and most S3
// lookalikes require.
func NewS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

const (
	keyTimeFormat = "2006-01-02T150405Z"
	keySuffix     = ".db.enc"
)

// Snapshot describes one stored backup.
type Snapshot struct {
	Key     string
	Size    int64
	TakenAt time.Time
}

// Manager takes, lists, prunes and restores snapshots. Only one snapshot is
// taken at a time.
type Manager struct {
	mu     sync.Mutex
	db     *sql.DB
	client ObjectStore
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(db *sql.DB, client ObjectStore, cfg Config, logger *slog.Logger, opts ...Option) *Manager {
	if cfg.Prefix == "" {
		cfg.Prefix = "taskpact/"
	}
	if !strings.HasSuffix(cfg.Prefix, "/") {
		cfg.Prefix += "/"
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{db: db, client: client, cfg: cfg, now: time.Now, logger: logger}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Run snapshots the live database, uploads it and prunes expired snapshots.
// A failed prune is logged; the new snapshot is still returned.
func (m *Manager) Run(ctx context.Context) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	plaintext, err := m.export(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	sealed, err := Seal(plaintext, m.cfg.Passphrase)
	if err != nil {
		return Snapshot{}, fmt.Errorf("encrypt: %w", err)
	}

	taken := m.now().UTC()
	snap := Snapshot{
		Key:     m.cfg.Prefix + taken.Format(keyTimeFormat) + keySuffix,
		Size:    int64(len(sealed)),
		TakenAt: taken,
	}
	if _, err := m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.cfg.S3.Bucket),
		Key:           aws.String(snap.Key),
		Body:          bytes.NewReader(sealed),
		ContentLength: aws.Int64(snap.Size),
	}); err != nil {
		return Snapshot{}, fmt.Errorf("upload snapshot: %w", err)
	}
	m.logger.Info("snapshot uploaded", "key", snap.Key, "size", snap.Size)

	if pruned, err := m.prune(ctx); err != nil {
		m.logger.Error("prune snapshots", "error", err)
	} else if pruned > 0 {
		m.logger.Info("pruned snapshots", "count", pruned)
	}
	return snap, nil
}

// export writes a consistent copy of the database with VACUUM INTO and
// returns its bytes.
func (m *Manager) export(ctx context.Context) ([]byte, error) {
	dir, err := os.MkdirTemp("", "taskpact-snapshot-")
	if err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, "snapshot.db")
	if _, err := m.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return nil, fmt.Errorf("vacuum into: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}

// List returns stored snapshots, oldest first.
func (m *Manager) List(ctx context.Context) ([]Snapshot, error) {
	var snaps []Snapshot
	pages := s3.NewListObjectsV2Paginator(m.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(m.cfg.S3.Bucket),
		Prefix: aws.String(m.cfg.Prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list snapshots: %w", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			stamp := strings.TrimSuffix(strings.TrimPrefix(key, m.cfg.Prefix), keySuffix)
			taken, err := time.Parse(keyTimeFormat, stamp)
			if err != nil {
				// Not ours.
				continue
			}
			snaps = append(snaps, Snapshot{Key: key, Size: aws.ToInt64(obj.Size), TakenAt: taken})
		}
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].TakenAt.Before(snaps[j].TakenAt) })
	return snaps, nil
}

// Prune deletes snapshots older than the retention period and returns how
// many were removed. The newest snapshot is always kept.
func (m *Manager) Prune(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prune(ctx)
}

func (m *Manager) prune(ctx context.Context) (int, error) {
	if m.cfg.Retention <= 0 {
		return 0, nil
	}
	snaps, err := m.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(snaps) > 0 {
		snaps = snaps[:len(snaps)-1]
	}

	cutoff := m.now().Add(-m.cfg.Retention)
	var pruned int
	var errs []error
	for _, s := range snaps {
		if !s.TakenAt.Before(cutoff) {
			break
		}
		if _, err := m.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(m.cfg.S3.Bucket),
			Key:    aws.String(s.Key),
		}); err != nil {
			errs = append(errs, fmt.Errorf("delete %s: %w", s.Key, err))
			continue
		}
		pruned++
	}
	return pruned, errors.Join(errs...)
}

// Restore downloads and decrypts a snapshot, checks its integrity and writes
// it to dst. The server must not be using dst while this runs.
func (m *Manager) Restore(ctx context.Context, key, dst string) error {
	out, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.cfg.S3.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("download snapshot: %w", err)
	}
	defer out.Body.Close()

	sealed, err := io.ReadAll(out.Body)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	plaintext, err := Open(sealed, m.cfg.Passphrase)
	if err != nil {
		return err
	}

	tmp := dst + ".restore"
	if err := os.WriteFile(tmp, plaintext, 0o600); err != nil {
		return fmt.Errorf("write restored db: %w", err)
	}
	if err := checkIntegrity(ctx, tmp); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace database: %w", err)
	}
	os.Remove(dst + "-wal")
	os.Remove(dst + "-shm")

	m.logger.Info("snapshot restored", "key", key, "path", dst)
	return nil
}

func checkIntegrity(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open restored db: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}
