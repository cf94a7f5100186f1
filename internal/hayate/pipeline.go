package hayate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Stage identifies one pipeline stage. The progression is fixed; stages
// cannot be reordered or skipped except by the publish target ruling the
// tail of the pipeline out entirely.
type Stage string

const (
	StageValidate   Stage = "validate"
	StageBootstrap  Stage = "bootstrap-compiler"
	StageConcretize Stage = "concretize"
	StageInstall    Stage = "install"
	StagePackage    Stage = "package"
	StageSign       Stage = "sign"
	StagePublish    Stage = "publish"
	StageVerify     Stage = "verify"
)

// stageOrder is the canonical progression.
var stageOrder = []Stage{
	StageValidate, StageBootstrap, StageConcretize, StageInstall,
	StagePackage, StageSign, StagePublish, StageVerify,
}

// stageTimeouts bounds each stage. Install dominates wall time and gets the
// long budget; network-facing stages get budgets short enough that a hung
// transfer surfaces as a retryable failure instead of a stuck run.
var stageTimeouts = map[Stage]time.Duration{
	StageValidate:   time.Minute,
	StageBootstrap:  45 * time.Minute,
	StageConcretize: 15 * time.Minute,
	StageInstall:    3 * time.Hour,
	StagePackage:    20 * time.Minute,
	StageSign:       5 * time.Minute,
	StagePublish:    30 * time.Minute,
	StageVerify:     45 * time.Minute,
}

// networkStages are those whose timeout indicates infrastructure trouble
// rather than a broken build, making the timeout itself retryable.
var networkStages = map[Stage]bool{
	StagePublish: true,
}

// maxStageAttempts bounds retries of a retryable stage failure.
const maxStageAttempts = 3

// StageState is the terminal state of one stage within a run.
type StageState string

const (
	StageSuccess StageState = "success"
	StageFailed  StageState = "failed"
	StageSkipped StageState = "skipped"
)

// StageStatus records how one stage went: attempts include the first try, so
// Retries = Attempts - 1.
type StageStatus struct {
	Stage    Stage
	State    StageState
	Attempts int
	Duration time.Duration
	Tail     string
	Err      error
}

// PipelineResult aggregates one full run for one manifest.
type PipelineResult struct {
	ManifestID string
	Stages     []StageStatus
	Receipt    *PublishReceipt
	Err        error
	Duration   time.Duration
}

// Success reports whether every executed stage completed.
func (r *PipelineResult) Success() bool { return r.Err == nil }

// Retries sums the retry count across stages.
func (r *PipelineResult) Retries() int {
	total := 0
	for _, s := range r.Stages {
		if s.Attempts > 1 {
			total += s.Attempts - 1
		}
	}
	return total
}

// Pipeline executes the full build/sign/publish progression for one
// manifest. All external effects flow through Resolver and Store, both
// substitutable in tests.
type Pipeline struct {
	Config   *Config
	Manifest *EnvironmentManifest
	Run      *RunContext
	Resolver *Resolver
	Store    objectStore

	// Sleep is injectable backoff; nil means real time.Sleep.
	Sleep func(time.Duration)

	tarballPath string
	tarballSig  string
}

// Execute runs every stage in order. A stage failure stops the progression;
// earlier results are preserved so the caller can report exactly how far the
// run got. The signing context, if one was created, is torn down on every
// exit path including cancellation.
func (p *Pipeline) Execute(ctx context.Context) *PipelineResult {
	m := p.Manifest
	result := &PipelineResult{ManifestID: m.ID()}
	start := time.Now()
	defer func() { result.Duration = time.Since(start) }()

	var sc *SigningContext
	defer func() {
		if sc != nil {
			sc.Teardown()
		}
	}()

	publishing := m.Target != PublishNone

	for _, stage := range stageOrder {
		if !publishing && (stage == StageSign || stage == StagePublish || stage == StageVerify) {
			result.Stages = append(result.Stages, StageStatus{Stage: stage, State: StageSkipped})
			continue
		}

		var runStage func(context.Context) error
		switch stage {
		case StageValidate:
			runStage = p.validate
		case StageBootstrap:
			runStage = p.bootstrap
		case StageConcretize:
			runStage = p.concretize
		case StageInstall:
			runStage = p.install
		case StagePackage:
			runStage = p.pack
		case StageSign:
			runStage = func(ctx context.Context) error {
				var err error
				sc, err = p.sign(ctx, sc)
				return err
			}
		case StagePublish:
			runStage = func(ctx context.Context) error {
				receipt, err := p.publish(ctx)
				if receipt != nil {
					result.Receipt = receipt
				}
				return err
			}
		case StageVerify:
			runStage = p.verify
		}

		status := p.runWithRetry(ctx, stage, runStage)
		result.Stages = append(result.Stages, status)
		if status.State == StageFailed {
			result.Err = fmt.Errorf("stage %s: %w", stage, status.Err)
			return result
		}
	}
	return result
}

// runWithRetry executes one stage under its timeout, retrying transient
// failures with doubling backoff. Deterministic failures fail on the first
// attempt; retrying a resolution conflict wastes hours to reach the same
// place. A source-build failure during install gets exactly one retry: the
// same package failing to compile twice in a row is a real defect.
func (p *Pipeline) runWithRetry(ctx context.Context, stage Stage, fn func(context.Context) error) StageStatus {
	status := StageStatus{Stage: stage}
	start := time.Now()
	defer func() { status.Duration = time.Since(start) }()

	var prevBuildFail *BuildFailureError
	backoff := 2 * time.Second
	for attempt := 1; attempt <= maxStageAttempts; attempt++ {
		status.Attempts = attempt

		stageCtx, cancel := context.WithTimeout(ctx, stageTimeoutFor(stage))
		err := fn(stageCtx)
		if err != nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil && networkStages[stage] {
			err = &TransientIOError{Op: string(stage), Err: context.DeadlineExceeded}
		}
		cancel()

		if err == nil {
			status.State = StageSuccess
			return status
		}
		status.Err = err

		retry := false
		var bf *BuildFailureError
		switch {
		case IsRetryable(err):
			retry = attempt < maxStageAttempts
		case stage == StageInstall && errors.As(err, &bf):
			samePackage := prevBuildFail != nil && prevBuildFail.Package == bf.Package
			retry = attempt < maxStageAttempts && !samePackage
			prevBuildFail = bf
		}
		if ctx.Err() != nil || !retry {
			status.State = StageFailed
			return status
		}

		colArrow.Print("-> ")
		colWarn.Printf("Stage %s failed (attempt %d/%d), retrying in %s: %v\n",
			stage, attempt, maxStageAttempts, backoff, err)
		p.sleep(backoff)
		backoff *= 2
	}
	status.State = StageFailed
	return status
}

func stageTimeoutFor(stage Stage) time.Duration {
	if d, ok := stageTimeouts[stage]; ok {
		return d
	}
	return time.Hour
}

func (p *Pipeline) sleep(d time.Duration) {
	if p.Sleep != nil {
		p.Sleep(d)
		return
	}
	time.Sleep(d)
}

// validate re-checks the manifest and lays out the run directories,
// including the product environment's generated manifest file.
func (p *Pipeline) validate(context.Context) error {
	if err := p.Manifest.Validate(); err != nil {
		return err
	}
	for _, dir := range []string{p.Run.RunDir, p.Run.ProductEnv, p.Run.ScopeDir, LogDir, filepath.Join(p.Run.RunDir, "mirror")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return p.Manifest.WriteFile(filepath.Join(p.Run.ProductEnv, "spack.yaml"))
}

// bootstrap acquires and registers the toolchain compiler, then switches to
// the product environment.
func (p *Pipeline) bootstrap(ctx context.Context) error {
	for _, step := range PlanBootstrap(p.Manifest, p.Run) {
		if _, err := p.Resolver.Invoke(ctx, step); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) concretize(ctx context.Context) error {
	_, err := p.Resolver.Invoke(ctx, ResolverStep{
		Name:   "concretize",
		Args:   []string{"concretize", "--force"},
		EnvDir: p.Run.ProductEnv,
	})
	return err
}

func (p *Pipeline) install(ctx context.Context) error {
	_, err := p.Resolver.Invoke(ctx, ResolverStep{
		Name: "install",
		Args: []string{
			"install", "--fail-fast",
			"--use-buildcache", "package:auto,dependencies:auto",
		},
		EnvDir: p.Run.ProductEnv,
	})
	return err
}

// pack creates the standalone tarball and, when publishing, pushes the
// built packages into the run's local mirror so Publish can pick them up.
func (p *Pipeline) pack(ctx context.Context) error {
	if p.Manifest.Target != PublishNone {
		localMirror := filepath.Join(p.Run.RunDir, "mirror")
		_, err := p.Resolver.Invoke(ctx, ResolverStep{
			Name: "buildcache-push",
			Args: []string{
				"buildcache", "push", "--unsigned", "--only", "package",
				localMirror,
			},
			EnvDir: p.Run.ProductEnv,
		})
		if err != nil {
			return err
		}
	}

	path, err := PackageInstallTree(p.Manifest, p.Manifest.InstallRoot)
	if err != nil {
		return err
	}
	p.tarballPath = path
	return nil
}

// sign prepares the ephemeral signing context and signs every staged
// artifact. Preparation is part of this stage so credentials are only in
// memory while signing actually happens.
func (p *Pipeline) sign(ctx context.Context, prev *SigningContext) (*SigningContext, error) {
	if prev != nil {
		prev.Teardown()
	}
	creds, err := signingCredentialsFrom(p.Config)
	if err != nil {
		return nil, err
	}
	sc, err := PrepareSigning(ctx, creds, p.Run.RunDir)
	if err != nil {
		return nil, err
	}

	sig, err := sc.Sign(ctx, p.tarballPath)
	if err != nil {
		return sc, err
	}
	p.tarballSig = sig

	packages, err := filepath.Glob(filepath.Join(p.Run.RunDir, "mirror", "*.tar.zst"))
	if err != nil {
		return sc, err
	}
	for _, pkg := range packages {
		if _, err := sc.Sign(ctx, pkg); err != nil {
			return sc, err
		}
	}
	return sc, nil
}

func (p *Pipeline) publish(ctx context.Context) (*PublishReceipt, error) {
	artifacts, err := CollectArtifacts(p.Manifest, p.Run, p.tarballPath, p.tarballSig)
	if err != nil {
		return nil, err
	}
	pub := &Publisher{Store: p.Store, Manifest: p.Manifest}
	return pub.Publish(ctx, artifacts)
}

func (p *Pipeline) verify(ctx context.Context) error {
	v := &Verifier{Resolver: p.Resolver, Store: p.Store}
	return v.VerifyPublish(ctx, p.Manifest, p.Run)
}
