package hayate

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func verifyFixtures(t *testing.T) (*EnvironmentManifest, *RunContext) {
	t.Helper()
	setupRunDirs(t)
	m, err := BuildManifest(testConfig(), "25.11", "noble", ProfileDefault, PublishAll)
	if err != nil {
		t.Fatalf("BuildManifest error: %v", err)
	}
	return m, NewRunContext(m)
}

func TestVerifyPublishCacheOnly(t *testing.T) {
	m, rc := verifyFixtures(t)

	var invoked []ResolverStep
	r := &Resolver{RunStep: func(_ context.Context, step ResolverStep) (*OutputTail, error) {
		invoked = append(invoked, step)
		return tailWith("==> Fetching from binary cache"), nil
	}}

	v := &Verifier{Resolver: r}
	if err := v.VerifyPublish(context.Background(), m, rc); err != nil {
		t.Fatalf("VerifyPublish error: %v", err)
	}

	if len(invoked) != 2 {
		t.Fatalf("invoked %d resolver steps, want 2", len(invoked))
	}
	install := invoked[1]
	joined := strings.Join(install.Args, " ")
	if !strings.Contains(joined, "--cache-only") {
		t.Fatalf("install args = %q, want --cache-only", joined)
	}
	if !strings.Contains(joined, "--fail-fast") {
		t.Fatalf("install args = %q, want --fail-fast", joined)
	}
	// The verification env is separate from the build env.
	if install.EnvDir == rc.ProductEnv {
		t.Fatalf("verification reused the build environment")
	}
}

func TestVerifyDetectsSourceFallback(t *testing.T) {
	m, rc := verifyFixtures(t)

	r := &Resolver{RunStep: func(_ context.Context, step ResolverStep) (*OutputTail, error) {
		if step.Name == "verify-install" {
			return tailWith(
				"==> No binary for openmpi found: installing from source",
				"==> Executing phase: 'build'",
			), nil
		}
		return nil, nil
	}}

	v := &Verifier{Resolver: r}
	err := v.VerifyPublish(context.Background(), m, rc)
	var verr *VerificationError
	if !errors.As(err, &verr) {
		t.Fatalf("VerifyPublish = %v, want *VerificationError", err)
	}
	if IsRetryable(err) {
		t.Fatalf("verification failure classified as retryable")
	}
}

func TestVerifyDetectsMissingPackages(t *testing.T) {
	m, rc := verifyFixtures(t)

	r := &Resolver{RunStep: func(_ context.Context, step ResolverStep) (*OutputTail, error) {
		if step.Name == "verify-install" {
			return tailWith("==> Error: no binary found for pmix@5.0.4"), errors.New("exit status 1")
		}
		return nil, nil
	}}

	v := &Verifier{Resolver: r}
	err := v.VerifyPublish(context.Background(), m, rc)
	var verr *VerificationError
	if !errors.As(err, &verr) {
		t.Fatalf("VerifyPublish = %v, want *VerificationError", err)
	}
	found := false
	for _, miss := range verr.Missing {
		if strings.HasPrefix(miss, "pmix") {
			found = true
		}
	}
	if !found {
		t.Fatalf("Missing = %v, want pmix entry", verr.Missing)
	}
}

func TestVerifyRejectsUnpublishedManifest(t *testing.T) {
	setupRunDirs(t)
	m, _ := BuildManifest(testConfig(), "25.11", "noble", ProfileDefault, PublishNone)
	rc := NewRunContext(m)

	v := &Verifier{Resolver: &Resolver{RunStep: func(context.Context, ResolverStep) (*OutputTail, error) {
		t.Fatalf("resolver invoked for an unpublished manifest")
		return nil, nil
	}}}
	if err := v.VerifyPublish(context.Background(), m, rc); err == nil {
		t.Fatalf("VerifyPublish accepted publish target none")
	}
}

func TestVerificationManifestDropsSourceFallback(t *testing.T) {
	m, rc := verifyFixtures(t)

	check, err := verificationManifest(m, filepath.Join(rc.RunDir, "verify"))
	if err != nil {
		t.Fatalf("verificationManifest error: %v", err)
	}
	for _, mir := range check.Mirrors {
		if mir.Source {
			t.Fatalf("verification manifest still carries the source fallback: %+v", mir)
		}
	}
	if len(check.Mirrors) == 0 {
		t.Fatalf("verification manifest has no mirrors")
	}
	// The original manifest is untouched.
	hasSource := false
	for _, mir := range m.Mirrors {
		if mir.Source {
			hasSource = true
		}
	}
	if !hasSource {
		t.Fatalf("original manifest mutated by verificationManifest")
	}
}

func TestVerificationManifestUsesFreshInstallRoot(t *testing.T) {
	m, rc := verifyFixtures(t)
	verifyEnv := filepath.Join(rc.RunDir, "verify")

	check, err := verificationManifest(m, verifyEnv)
	if err != nil {
		t.Fatalf("verificationManifest error: %v", err)
	}
	if check.InstallRoot == m.InstallRoot {
		t.Fatalf("verification reuses the build install tree %q: cache-only install sees local build state", check.InstallRoot)
	}
	if !strings.HasPrefix(check.InstallRoot, verifyEnv) {
		t.Fatalf("InstallRoot = %q, want a root under %q", check.InstallRoot, verifyEnv)
	}
	if m.InstallRoot == filepath.Join(verifyEnv, "store") {
		t.Fatalf("original manifest install root mutated")
	}
}

func TestVerifyCrossChecksIndex(t *testing.T) {
	m, rc := verifyFixtures(t)

	store := newFakeStore()
	index := []CacheEntry{{
		Name: "slurm", Version: "25.11", Toolchain: "noble", Profile: "default",
		Key: "noble/slurm/25.11/slurm-25.11-abcdef.tar.zst", B3Sum: "aa",
		Signature: "noble/slurm/25.11/slurm-25.11-abcdef.tar.zst.asc",
	}}
	data, err := MarshalCacheIndex(index)
	if err != nil {
		t.Fatal(err)
	}
	store.objects[indexKey] = data
	// Deliberately no backing object for the entry.

	r := &Resolver{RunStep: func(context.Context, ResolverStep) (*OutputTail, error) {
		return nil, nil
	}}
	v := &Verifier{Resolver: r, Store: store}

	err = v.VerifyPublish(context.Background(), m, rc)
	var verr *VerificationError
	if !errors.As(err, &verr) {
		t.Fatalf("VerifyPublish = %v, want *VerificationError for dangling index entry", err)
	}
	if len(verr.Missing) == 0 {
		t.Fatalf("dangling entries not reported")
	}
}
