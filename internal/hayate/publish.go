package hayate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ArtifactKind distinguishes the standalone product tarball from binary
// cache packages; the publish target selects which kinds get pushed.
type ArtifactKind int

const (
	ArtifactProductTarball ArtifactKind = iota
	ArtifactProductPackage
	ArtifactDependencyPackage
)

// Artifact is one file staged for publication, plus its detached signature.
type Artifact struct {
	Kind      ArtifactKind
	LocalPath string
	Signature string // local path of the .asc file; empty means unsigned
}

// PublishReceipt summarizes one publish: what was uploaded, what was
// already current, and whether the index rebuild completed.
type PublishReceipt struct {
	Uploaded      []string
	Skipped       []string
	BytesUploaded int64
	IndexUpdated  bool
}

// remoteKeyFor computes the cache key an artifact publishes to. The layout
// is a contract consumed by clients:
//
//	<toolchain>/<product>/<version>/  product binary packages
//	<toolchain>/<product>/deps/       shared dependency packages
//	builds/<version>/<toolchain>/     standalone tarballs (+ .asc)
func remoteKeyFor(m *EnvironmentManifest, a Artifact) string {
	base := filepath.Base(a.LocalPath)
	switch a.Kind {
	case ArtifactProductTarball:
		return fmt.Sprintf("builds/%s/%s/%s", m.ProductVersion, m.Toolchain.ID, base)
	case ArtifactProductPackage:
		return fmt.Sprintf("%s/%s/%s/%s", m.Toolchain.ID, productName, m.ProductVersion, base)
	default:
		return fmt.Sprintf("%s/%s/deps/%s", m.Toolchain.ID, productName, base)
	}
}

// publishable reports whether an artifact kind is in scope for a target.
func publishable(target PublishTarget, kind ArtifactKind) bool {
	switch target {
	case PublishNone:
		return false
	case PublishAll:
		return true
	case PublishDeps:
		return kind == ArtifactDependencyPackage
	case PublishProduct:
		return kind == ArtifactProductTarball || kind == ArtifactProductPackage
	}
	return false
}

// CollectArtifacts gathers everything the run staged for publication: the
// standalone tarball plus the binary packages the resolver pushed into the
// run's local mirror directory. Every archive is scanned before staging.
func CollectArtifacts(m *EnvironmentManifest, rc *RunContext, tarballPath, tarballSig string) ([]Artifact, error) {
	var artifacts []Artifact
	if tarballPath != "" {
		if err := scanArtifact(tarballPath); err != nil {
			return nil, err
		}
		artifacts = append(artifacts, Artifact{
			Kind:      ArtifactProductTarball,
			LocalPath: tarballPath,
			Signature: tarballSig,
		})
	}

	localMirror := filepath.Join(rc.RunDir, "mirror")
	matches, err := filepath.Glob(filepath.Join(localMirror, "*.tar.zst"))
	if err != nil {
		return nil, err
	}
	for _, path := range matches {
		if err := scanArtifact(path); err != nil {
			return nil, err
		}
		kind := ArtifactDependencyPackage
		if strings.HasPrefix(filepath.Base(path), productName+"-") {
			kind = ArtifactProductPackage
		}
		a := Artifact{Kind: kind, LocalPath: path}
		if _, err := os.Stat(path + ".asc"); err == nil {
			a.Signature = path + ".asc"
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, nil
}

// Publisher pushes signed artifacts to the remote cache and keeps the cache
// index in step with the objects.
type Publisher struct {
	Store    objectStore
	Manifest *EnvironmentManifest
}

// Publish uploads the in-scope artifacts and rebuilds the cache index.
//
// Upload is idempotent: an artifact whose checksum matches the current index
// entry is skipped, so a retried or re-run publish of identical content is a
// no-op success. Objects absent from the index are invisible to consumers,
// so an index failure after successful uploads fails the publish.
func (p *Publisher) Publish(ctx context.Context, artifacts []Artifact) (*PublishReceipt, error) {
	m := p.Manifest
	receipt := &PublishReceipt{}

	indexData, err := p.Store.Download(ctx, indexKey)
	if err != nil {
		// A missing index is normal on first publish; anything else is
		// indistinguishable from a network fault and worth a retry upstream.
		debugf("remote index not found or unreadable: %v\n", err)
		indexData = nil
	}
	index, err := ParseCacheIndex(indexData)
	if err != nil {
		return nil, fmt.Errorf("failed to parse remote index: %w", err)
	}

	var updates []CacheEntry
	for _, a := range artifacts {
		if !publishable(m.Target, a.Kind) {
			continue
		}
		key := remoteKeyFor(m, a)

		sum, err := ComputeChecksum(a.LocalPath)
		if err != nil {
			return nil, fmt.Errorf("failed to checksum %s: %w", a.LocalPath, err)
		}
		info, err := os.Stat(a.LocalPath)
		if err != nil {
			return nil, err
		}

		entry := CacheEntry{
			Name:      productName,
			Version:   m.ProductVersion,
			Toolchain: m.Toolchain.ID,
			Profile:   string(m.Profile),
			Key:       key,
			Size:      info.Size(),
			B3Sum:     sum,
		}

		if existing, ok := findIndexEntry(index, key); ok && existing.B3Sum == sum {
			debugf("skipping %s: remote content identical\n", key)
			receipt.Skipped = append(receipt.Skipped, key)
			updates = append(updates, existing)
			continue
		}

		colArrow.Print("-> ")
		colSuccess.Printf("Uploading %s\n", key)
		if err := p.Store.UploadLocalFile(ctx, key, a.LocalPath); err != nil {
			return receipt, &TransientIOError{Op: "upload " + key, Err: err}
		}
		if a.Signature != "" {
			sigKey := key + ".asc"
			sigData, err := os.ReadFile(a.Signature)
			if err != nil {
				return receipt, fmt.Errorf("failed to read signature %s: %w", a.Signature, err)
			}
			if err := p.Store.Upload(ctx, sigKey, sigData); err != nil {
				return receipt, &TransientIOError{Op: "upload " + sigKey, Err: err}
			}
			entry.Signature = sigKey
		}
		receipt.Uploaded = append(receipt.Uploaded, key)
		receipt.BytesUploaded += info.Size()
		updates = append(updates, entry)
	}

	// Index rebuild: required final step of every publish.
	index = mergeIndexEntries(index, updates)
	indexBytes, err := MarshalCacheIndex(index)
	if err != nil {
		return receipt, &IndexStaleError{Err: err}
	}
	if err := p.Store.Upload(ctx, indexKey, indexBytes); err != nil {
		return receipt, &IndexStaleError{Err: err}
	}
	receipt.IndexUpdated = true

	p.reportStorage(ctx)
	return receipt, nil
}

// reportStorage prints total cache usage. Best effort only.
func (p *Publisher) reportStorage(ctx context.Context) {
	objects, err := p.Store.List(ctx, "")
	if err != nil {
		return
	}
	var total int64
	for _, obj := range objects {
		total += obj.Size
	}
	colArrow.Print("-> ")
	colSuccess.Print("Cache storage used: ")
	colNote.Printf("%s across %d objects\n", humanReadableSize(total), len(objects))
}
