package hayate

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"
	"github.com/ulikunitz/xz"
)

// artifactName returns the standalone tarball filename for a combination:
// <name>-<version>-<toolchain>-software.tar.gz. Consumers depend on this
// exact shape.
func artifactName(m *EnvironmentManifest) string {
	return fmt.Sprintf("%s-%s-%s-software.tar.gz", productName, m.ProductVersion, m.Toolchain.ID)
}

// checkRelocationFit verifies every install prefix in the tree fits inside
// the manifest's reserved padding. This is the pre-publish integrity check:
// a tree that fails here would publish fine and then break every consumer
// that relocates it, so it fails the Package stage instead.
func checkRelocationFit(installRoot string, padded int) error {
	if padded <= 0 {
		return nil
	}
	entries, err := os.ReadDir(installRoot)
	if err != nil {
		return fmt.Errorf("cannot read install tree %s: %w", installRoot, err)
	}
	for _, e := range entries {
		prefix := filepath.Join(installRoot, e.Name())
		if len(prefix) > padded {
			return &RelocationError{Path: prefix, PathLen: len(prefix), Padded: padded}
		}
	}
	if len(installRoot) > padded {
		return &RelocationError{Path: installRoot, PathLen: len(installRoot), Padded: padded}
	}
	return nil
}

// CreateTarball packs srcDir into a gzip tarball at outPath. Symlinks are
// preserved; ownership is normalized to root so extraction is reproducible.
func CreateTarball(srcDir, outPath string) error {
	if err := os.MkdirAll(filepath.Dir(outPath), 0755); err != nil {
		return fmt.Errorf("failed to create artifact dir: %w", err)
	}
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", outPath, err)
	}
	defer out.Close()

	gz := pgzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	base := filepath.Clean(srcDir)
	err = filepath.Walk(base, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = rel
		hdr.Uid, hdr.Gid = 0, 0
		hdr.Uname, hdr.Gname = "root", "root"
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to pack %s: %w", srcDir, err)
	}
	return nil
}

// PackageInstallTree runs the Package stage: relocation fit check, then one
// relocatable archive of the installed tree. Returns the artifact path.
func PackageInstallTree(m *EnvironmentManifest, installRoot string) (string, error) {
	if m.Target != PublishNone {
		if err := checkRelocationFit(installRoot, m.PaddedLength); err != nil {
			return "", err
		}
	}
	outPath := filepath.Join(ArtifactDir, m.ID(), artifactName(m))
	if err := CreateTarball(installRoot, outPath); err != nil {
		return "", err
	}
	return outPath, nil
}

// scanArtifact rejects an unreadable or empty archive before staging. An
// empty archive would publish fine and then break every consumer, so it
// fails collection instead.
func scanArtifact(path string) error {
	tops, err := ArchiveTopLevel(path)
	if err != nil {
		return fmt.Errorf("failed to scan staged artifact: %w", err)
	}
	if len(tops) == 0 {
		return fmt.Errorf("staged artifact %s is empty", filepath.Base(path))
	}
	return nil
}

// archiveReader opens a compressed tar stream based on the file suffix.
// The cache carries .tar.gz build tarballs, .tar.zst binary packages, and
// occasionally .tar.xz upstream artifacts.
func archiveReader(path string, f io.Reader) (io.ReadCloser, error) {
	switch {
	case strings.HasSuffix(path, ".tar.gz"), strings.HasSuffix(path, ".tgz"):
		return pgzip.NewReader(f)
	case strings.HasSuffix(path, ".tar.zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, err
		}
		return zr.IOReadCloser(), nil
	case strings.HasSuffix(path, ".tar.xz"):
		xr, err := xz.NewReader(f)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	}
	return nil, fmt.Errorf("unsupported archive format: %s", filepath.Base(path))
}

// ArchiveTopLevel lists the unique top-level entries of a tar archive.
// Used to sanity-check an artifact before upload: an empty archive here
// means the install stage produced nothing worth publishing.
func ArchiveTopLevel(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	rc, err := archiveReader(path, f)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	seen := make(map[string]bool)
	tr := tar.NewReader(rc)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s: %w", filepath.Base(path), err)
		}
		name := strings.TrimPrefix(hdr.Name, "./")
		if top, _, found := strings.Cut(name, "/"); found || top != "" {
			seen[top] = true
		}
	}

	var tops []string
	for t := range seen {
		tops = append(tops, t)
	}
	sort.Strings(tops)
	return tops, nil
}
