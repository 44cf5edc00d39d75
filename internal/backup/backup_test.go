package backup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/dukerupert/taskpact/internal/database"
	"github.com/dukerupert/taskpact/internal/testutil"
)

// mockS3Client keeps objects in memory.
type mockS3Client struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	delErr  error
}

func newMockS3() *mockS3Client {
	return &mockS3Client{objects: make(map[string][]byte)}
}

func (m *mockS3Client) PutObject(_ context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if m.putErr != nil {
		return nil, m.putErr
	}
	data, _ := io.ReadAll(input.Body)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[*input.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *mockS3Client) GetObject(_ context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[*input.Key]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *mockS3Client) DeleteObject(_ context.Context, input *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if m.delErr != nil {
		return nil, m.delErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, *input.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3Client) ListObjectsV2(_ context.Context, input *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, aws.ToString(input.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k), Size: aws.Int64(int64(len(m.objects[k])))})
	}
	return out, nil
}

func (m *mockS3Client) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}

type fixture struct {
	mgr    *Manager
	client *mockS3Client
	fam    testutil.Family
	now    time.Time
}

func setup(t *testing.T, retention time.Duration) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t)
	f := &fixture{
		client: newMockS3(),
		fam:    testutil.SeedFamily(t, db, "UTC", 25),
		now:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.mgr = NewManager(db, f.client, Config{
		S3:         S3Config{Bucket: "snapshots"},
		Passphrase: "hunter22",
		Retention:  retention,
	}, slog.Default(), WithClock(func() time.Time { return f.now }))
	return f
}

func TestConfigEnabled(t *testing.T) {
	cfg := Config{S3: S3Config{Bucket: "b", AccessKey: "k", SecretKey: "s"}}
	if cfg.Enabled() {
		t.Error("config without passphrase should be disabled")
	}
	cfg.Passphrase = "p"
	if !cfg.Enabled() {
		t.Error("complete config should be enabled")
	}
}

func TestRunAndRestore(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()

	snap, err := f.mgr.Run(ctx)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if want := "taskpact/2026-03-01T120000Z.db.enc"; snap.Key != want {
		t.Errorf("key = %q, want %q", snap.Key, want)
	}
	if bytes.Contains(f.client.objects[snap.Key], []byte("Alice")) {
		t.Error("uploaded snapshot is not encrypted")
	}

	dst := filepath.Join(t.TempDir(), "restored.db")
	if err := f.mgr.Restore(ctx, snap.Key, dst); err != nil {
		t.Fatalf("restore: %v", err)
	}

	restored, err := database.Open(dst)
	if err != nil {
		t.Fatalf("open restored: %v", err)
	}
	defer restored.Close()
	if got := testutil.Points(t, restored, f.fam.Alice); got != 25 {
		t.Errorf("restored points = %d, want 25", got)
	}
}

func TestRestoreWrongPassphrase(t *testing.T) {
	f := setup(t, 0)
	ctx := context.Background()
	snap, err := f.mgr.Run(ctx)
	if err != nil {
		t.Fatal(err)
	}

	other := NewManager(nil, f.client, Config{S3: S3Config{Bucket: "snapshots"}, Passphrase: "nope"}, nil)
	err = other.Restore(ctx, snap.Key, filepath.Join(t.TempDir(), "x.db"))
	if !errors.Is(err, ErrPassphrase) {
		t.Errorf("err = %v, want %v", err, ErrPassphrase)
	}
}

func TestRunPrunesExpiredSnapshots(t *testing.T) {
	f := setup(t, 48*time.Hour)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		if _, err := f.mgr.Run(ctx); err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		f.now = f.now.Add(24 * time.Hour)
	}
	// Taken at day 0..3, the last run at day 3 keeps days 1..3.
	snaps, err := f.mgr.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 3 {
		t.Fatalf("snapshots = %d, want 3", len(snaps))
	}
	if !snaps[0].TakenAt.Equal(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)) {
		t.Errorf("oldest = %v", snaps[0].TakenAt)
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	f := setup(t, time.Hour)
	ctx := context.Background()
	if _, err := f.mgr.Run(ctx); err != nil {
		t.Fatal(err)
	}
	f.now = f.now.Add(30 * 24 * time.Hour)

	pruned, err := f.mgr.Prune(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if pruned != 0 || f.client.count() != 1 {
		t.Errorf("pruned = %d, objects = %d; want the only snapshot kept", pruned, f.client.count())
	}
}

func TestListIgnoresForeignKeys(t *testing.T) {
	f := setup(t, 0)
	f.client.objects["taskpact/notes.txt"] = []byte("x")
	f.client.objects["other/2026-03-01T120000Z.db.enc"] = []byte("x")
	if _, err := f.mgr.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	snaps, err := f.mgr.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 1 {
		t.Errorf("snapshots = %v, want only the one taken", snaps)
	}
}

func TestRunUploadFailure(t *testing.T) {
	f := setup(t, 0)
	f.client.putErr = errors.New("access denied")
	if _, err := f.mgr.Run(context.Background()); err == nil {
		t.Fatal("expected upload error")
	}
}
