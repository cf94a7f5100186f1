package hayate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Verifier proves that what a publish pushed is actually consumable. It
// stands in for a downstream consumer: a pristine environment, the published
// mirror as the only binary source, and a cache-only install that is not
// allowed to touch a compiler.
type Verifier struct {
	Resolver *Resolver
	Store    objectStore
}

// sourceBuildMarkers are resolver output fragments meaning a package was
// compiled instead of fetched. In a cache-only install that should be
// impossible; seeing one means the cache is incomplete.
var sourceBuildMarkers = []string{
	"Executing phase: 'build'",
	"Building from source",
	"no binary found",
	"No binary for",
}

// VerifyPublish reinstalls the published content into a throwaway
// environment using only the just-published mirror. Any failure here is
// final: the cache either serves a consumer or it does not, and retrying
// the same reads cannot change which.
func (v *Verifier) VerifyPublish(ctx context.Context, m *EnvironmentManifest, rc *RunContext) error {
	if m.Target == PublishNone {
		return &ValidationError{Field: "publish_target", Reason: "nothing was published, nothing to verify"}
	}

	verifyEnv := filepath.Join(rc.RunDir, "verify")
	check, err := verificationManifest(m, verifyEnv)
	if err != nil {
		return err
	}

	if err := os.RemoveAll(verifyEnv); err != nil {
		return fmt.Errorf("failed to reset verification env: %w", err)
	}
	if err := os.MkdirAll(verifyEnv, 0755); err != nil {
		return fmt.Errorf("failed to create verification env: %w", err)
	}
	if err := check.WriteFile(filepath.Join(verifyEnv, "spack.yaml")); err != nil {
		return err
	}

	steps := []ResolverStep{
		{
			Name:   "verify-concretize",
			Args:   []string{"concretize", "--force"},
			EnvDir: verifyEnv,
		},
		{
			Name:   "verify-install",
			Args:   []string{"install", "--cache-only", "--fail-fast"},
			EnvDir: verifyEnv,
		},
	}
	for _, step := range steps {
		tail, err := v.Resolver.Invoke(ctx, step)
		if err != nil {
			return &VerificationError{
				Reason:  fmt.Sprintf("%s failed: %v", step.Name, err),
				Missing: missingPackages(tail),
			}
		}
		if tail != nil {
			for _, marker := range sourceBuildMarkers {
				if strings.Contains(tail.String(), marker) {
					return &VerificationError{
						Reason:  fmt.Sprintf("%s fell back to source build (%q)", step.Name, marker),
						Missing: missingPackages(tail),
					}
				}
			}
		}
	}

	if v.Store != nil {
		if err := v.crossCheckIndex(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// verificationManifest clones the manifest with the published binary mirror
// as the only mirror and an empty install tree under the verify env. The
// source fallback is deliberately absent so a cache miss fails instead of
// silently compiling, and the build's install tree is deliberately not
// reused so every spec must come off the published mirror.
func verificationManifest(m *EnvironmentManifest, verifyEnv string) (*EnvironmentManifest, error) {
	var published []Mirror
	for _, mir := range m.Mirrors {
		if mir.Binary {
			published = append(published, mir)
		}
	}
	if len(published) == 0 {
		return nil, &VerificationError{Reason: "manifest has no binary mirror to verify against"}
	}

	check := *m
	check.Specs = append([]string(nil), m.Specs...)
	check.Mirrors = published
	check.InstallRoot = filepath.Join(verifyEnv, "store")
	return &check, nil
}

// crossCheckIndex confirms every index entry for this combination is backed
// by a real remote object. An entry pointing at nothing means a consumer
// following the index would 404.
func (v *Verifier) crossCheckIndex(ctx context.Context, m *EnvironmentManifest) error {
	data, err := v.Store.Download(ctx, indexKey)
	if err != nil {
		return &VerificationError{Reason: fmt.Sprintf("cannot read cache index: %v", err)}
	}
	index, err := ParseCacheIndex(data)
	if err != nil {
		return &VerificationError{Reason: fmt.Sprintf("cache index unparseable: %v", err)}
	}

	objects, err := v.Store.List(ctx, "")
	if err != nil {
		return &VerificationError{Reason: fmt.Sprintf("cannot list remote objects: %v", err)}
	}
	present := make(map[string]bool, len(objects))
	for _, obj := range objects {
		present[obj.Key] = true
	}

	var missing []string
	for _, entry := range index {
		if entry.Toolchain != m.Toolchain.ID || entry.Version != m.ProductVersion {
			continue
		}
		if !present[entry.Key] {
			missing = append(missing, entry.Key)
		}
		if entry.Signature != "" && !present[entry.Signature] {
			missing = append(missing, entry.Signature)
		}
	}
	if len(missing) > 0 {
		return &VerificationError{Reason: "index references objects absent from the cache", Missing: missing}
	}
	return nil
}

// missingPackages extracts "no binary for <spec>" style package names from
// resolver output for the error report. Best effort.
func missingPackages(tail *OutputTail) []string {
	if tail == nil {
		return nil
	}
	var missing []string
	for _, line := range tail.Lines() {
		for _, marker := range []string{"no binary found for ", "No binary for "} {
			if idx := strings.Index(line, marker); idx >= 0 {
				rest := strings.TrimSpace(line[idx+len(marker):])
				if f := strings.Fields(rest); len(f) > 0 {
					missing = append(missing, strings.TrimRight(f[0], ".,:;"))
				}
			}
		}
	}
	return missing
}
