package hayate

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
)

// fakeStore is an in-memory objectStore for publish and verify tests.
type fakeStore struct {
	objects   map[string][]byte
	uploads   []string
	failKeys  map[string]error
	listError error
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string][]byte{}, failKeys: map[string]error{}}
}

func (s *fakeStore) Download(_ context.Context, key string) ([]byte, error) {
	if err, ok := s.failKeys[key]; ok {
		return nil, err
	}
	data, ok := s.objects[key]
	if !ok {
		return nil, fmt.Errorf("key not found: %s", key)
	}
	return data, nil
}

func (s *fakeStore) Upload(_ context.Context, key string, body []byte) error {
	if err, ok := s.failKeys[key]; ok {
		return err
	}
	s.objects[key] = append([]byte(nil), body...)
	s.uploads = append(s.uploads, key)
	return nil
}

func (s *fakeStore) UploadLocalFile(ctx context.Context, key, filePath string) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return s.Upload(ctx, key, data)
}

func (s *fakeStore) Delete(_ context.Context, key string) error {
	delete(s.objects, key)
	return nil
}

func (s *fakeStore) List(_ context.Context, prefix string) ([]RemoteObject, error) {
	if s.listError != nil {
		return nil, s.listError
	}
	var out []RemoteObject
	for key, data := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, RemoteObject{Key: key, Size: int64(len(data))})
		}
	}
	return out, nil
}

// writeArchive creates a real compressed tar at path with the given entries.
// An entryless call produces a valid but empty archive.
func writeArchive(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var w io.WriteCloser
	switch {
	case strings.HasSuffix(path, ".tar.gz"):
		w = pgzip.NewWriter(f)
	case strings.HasSuffix(path, ".tar.zst"):
		if w, err = zstd.NewWriter(f); err != nil {
			t.Fatal(err)
		}
	default:
		t.Fatalf("writeArchive: unsupported suffix in %s", path)
	}
	tw := tar.NewWriter(w)
	for name, content := range entries {
		hdr := &tar.Header{Name: name, Mode: 0644, Size: int64(len(content))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
}

// stageArtifacts writes a signed tarball and two mirror packages into a run
// context and returns the collected artifact list.
func stageArtifacts(t *testing.T, m *EnvironmentManifest, rc *RunContext) []Artifact {
	t.Helper()
	mirror := filepath.Join(rc.RunDir, "mirror")
	if err := os.MkdirAll(mirror, 0755); err != nil {
		t.Fatal(err)
	}
	tarball := filepath.Join(rc.RunDir, artifactName(m))
	writeArchive(t, tarball, map[string]string{"bin/srun": "product tarball"})
	writeArchive(t, filepath.Join(mirror, "slurm-25.11-abcdef.tar.zst"),
		map[string]string{"slurm/.spack/binary_distribution": "product package"})
	writeArchive(t, filepath.Join(mirror, "openmpi-5.0.6-123456.tar.zst"),
		map[string]string{"openmpi/.spack/binary_distribution": "dep package"})
	sigs := map[string]string{
		tarball + ".asc": "tarball signature",
		filepath.Join(mirror, "slurm-25.11-abcdef.tar.zst.asc"):   "product package sig",
		filepath.Join(mirror, "openmpi-5.0.6-123456.tar.zst.asc"): "dep package sig",
	}
	for path, content := range sigs {
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	artifacts, err := CollectArtifacts(m, rc, tarball, tarball+".asc")
	if err != nil {
		t.Fatalf("CollectArtifacts error: %v", err)
	}
	return artifacts
}

func TestCollectArtifactsClassification(t *testing.T) {
	setupRunDirs(t)
	m, _ := BuildManifest(testConfig(), "25.11", "noble", ProfileDefault, PublishAll)
	rc := NewRunContext(m)
	artifacts := stageArtifacts(t, m, rc)

	kinds := map[ArtifactKind]int{}
	for _, a := range artifacts {
		kinds[a.Kind]++
		if a.Signature == "" {
			t.Fatalf("artifact %s collected without its signature", a.LocalPath)
		}
	}
	if kinds[ArtifactProductTarball] != 1 || kinds[ArtifactProductPackage] != 1 || kinds[ArtifactDependencyPackage] != 1 {
		t.Fatalf("kind counts = %v", kinds)
	}
}

func TestCollectArtifactsRejectsEmptyArchive(t *testing.T) {
	setupRunDirs(t)
	m, _ := BuildManifest(testConfig(), "25.11", "noble", ProfileDefault, PublishAll)
	rc := NewRunContext(m)
	mirror := filepath.Join(rc.RunDir, "mirror")
	if err := os.MkdirAll(mirror, 0755); err != nil {
		t.Fatal(err)
	}
	writeArchive(t, filepath.Join(mirror, "openmpi-5.0.6-123456.tar.zst"), nil)

	_, err := CollectArtifacts(m, rc, "", "")
	if err == nil {
		t.Fatalf("CollectArtifacts accepted an empty package archive")
	}
	if !strings.Contains(err.Error(), "empty") {
		t.Fatalf("err = %v, want empty-archive rejection", err)
	}
}

func TestCollectArtifactsRejectsTruncatedTarball(t *testing.T) {
	setupRunDirs(t)
	m, _ := BuildManifest(testConfig(), "25.11", "noble", ProfileDefault, PublishAll)
	rc := NewRunContext(m)
	if err := os.MkdirAll(rc.RunDir, 0755); err != nil {
		t.Fatal(err)
	}
	tarball := filepath.Join(rc.RunDir, artifactName(m))
	if err := os.WriteFile(tarball, []byte("not a gzip stream"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := CollectArtifacts(m, rc, tarball, ""); err == nil {
		t.Fatalf("CollectArtifacts accepted an unreadable tarball")
	}
}

func TestPublishLayoutAndIndex(t *testing.T) {
	setupRunDirs(t)
	m, _ := BuildManifest(testConfig(), "25.11", "noble", ProfileDefault, PublishAll)
	rc := NewRunContext(m)
	artifacts := stageArtifacts(t, m, rc)

	store := newFakeStore()
	pub := &Publisher{Store: store, Manifest: m}
	receipt, err := pub.Publish(context.Background(), artifacts)
	if err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	if !receipt.IndexUpdated {
		t.Fatalf("index not updated")
	}

	wantKeys := []string{
		"builds/25.11/noble/slurm-25.11-noble-software.tar.gz",
		"builds/25.11/noble/slurm-25.11-noble-software.tar.gz.asc",
		"noble/slurm/25.11/slurm-25.11-abcdef.tar.zst",
		"noble/slurm/deps/openmpi-5.0.6-123456.tar.zst",
		indexKey,
	}
	for _, key := range wantKeys {
		if _, ok := store.objects[key]; !ok {
			t.Fatalf("object %s not uploaded; have %v", key, store.uploads)
		}
	}

	index, err := ParseCacheIndex(store.objects[indexKey])
	if err != nil {
		t.Fatalf("index unparseable: %v", err)
	}
	if len(index) != 3 {
		t.Fatalf("index has %d entries, want 3", len(index))
	}
	for _, e := range index {
		if e.B3Sum == "" {
			t.Fatalf("index entry %s missing checksum", e.Key)
		}
		if e.Signature == "" {
			t.Fatalf("index entry %s missing signature key", e.Key)
		}
		if e.Toolchain != "noble" || e.Version != "25.11" {
			t.Fatalf("index entry mislabeled: %+v", e)
		}
	}
}

func TestPublishIdempotent(t *testing.T) {
	setupRunDirs(t)
	m, _ := BuildManifest(testConfig(), "25.11", "noble", ProfileDefault, PublishAll)
	rc := NewRunContext(m)
	artifacts := stageArtifacts(t, m, rc)

	store := newFakeStore()
	pub := &Publisher{Store: store, Manifest: m}
	if _, err := pub.Publish(context.Background(), artifacts); err != nil {
		t.Fatalf("first publish error: %v", err)
	}
	firstIndex := append([]byte(nil), store.objects[indexKey]...)
	uploadsAfterFirst := len(store.uploads)

	receipt, err := pub.Publish(context.Background(), artifacts)
	if err != nil {
		t.Fatalf("second publish error: %v", err)
	}
	if len(receipt.Uploaded) != 0 {
		t.Fatalf("second publish re-uploaded %v", receipt.Uploaded)
	}
	if len(receipt.Skipped) != 3 {
		t.Fatalf("second publish skipped %d artifacts, want 3", len(receipt.Skipped))
	}
	if !receipt.IndexUpdated {
		t.Fatalf("second publish did not rebuild the index")
	}
	// Only the index itself was rewritten.
	if len(store.uploads) != uploadsAfterFirst+1 {
		t.Fatalf("uploads after second publish = %v", store.uploads)
	}
	if string(store.objects[indexKey]) != string(firstIndex) {
		t.Fatalf("index content changed on a no-op republish")
	}
}

func TestPublishTargetSubsets(t *testing.T) {
	tests := []struct {
		target   PublishTarget
		wantDeps bool
		wantProd bool
	}{
		{PublishDeps, true, false},
		{PublishProduct, false, true},
		{PublishAll, true, true},
	}
	for _, tt := range tests {
		setupRunDirs(t)
		m, _ := BuildManifest(testConfig(), "25.11", "noble", ProfileDefault, tt.target)
		rc := NewRunContext(m)
		artifacts := stageArtifacts(t, m, rc)

		store := newFakeStore()
		pub := &Publisher{Store: store, Manifest: m}
		if _, err := pub.Publish(context.Background(), artifacts); err != nil {
			t.Fatalf("target %s: publish error: %v", tt.target, err)
		}

		_, hasDep := store.objects["noble/slurm/deps/openmpi-5.0.6-123456.tar.zst"]
		_, hasProd := store.objects["noble/slurm/25.11/slurm-25.11-abcdef.tar.zst"]
		_, hasTarball := store.objects["builds/25.11/noble/slurm-25.11-noble-software.tar.gz"]
		if hasDep != tt.wantDeps {
			t.Fatalf("target %s: dep package uploaded = %v, want %v", tt.target, hasDep, tt.wantDeps)
		}
		if hasProd != tt.wantProd || hasTarball != tt.wantProd {
			t.Fatalf("target %s: product uploads = %v/%v, want %v", tt.target, hasProd, hasTarball, tt.wantProd)
		}
	}
}

func TestPublishIndexFailureIsFatal(t *testing.T) {
	setupRunDirs(t)
	m, _ := BuildManifest(testConfig(), "25.11", "noble", ProfileDefault, PublishAll)
	rc := NewRunContext(m)
	artifacts := stageArtifacts(t, m, rc)

	store := newFakeStore()
	store.failKeys[indexKey] = errors.New("access denied")
	pub := &Publisher{Store: store, Manifest: m}

	_, err := pub.Publish(context.Background(), artifacts)
	var stale *IndexStaleError
	if !errors.As(err, &stale) {
		t.Fatalf("Publish error = %v, want *IndexStaleError", err)
	}
}

func TestPublishUploadFailureIsTransient(t *testing.T) {
	setupRunDirs(t)
	m, _ := BuildManifest(testConfig(), "25.11", "noble", ProfileDefault, PublishAll)
	rc := NewRunContext(m)
	artifacts := stageArtifacts(t, m, rc)

	store := newFakeStore()
	store.failKeys["builds/25.11/noble/slurm-25.11-noble-software.tar.gz"] = errors.New("connection reset")
	pub := &Publisher{Store: store, Manifest: m}

	_, err := pub.Publish(context.Background(), artifacts)
	if !IsRetryable(err) {
		t.Fatalf("upload failure not retryable: %v", err)
	}
}
