package hayate

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
)

// Resolver drives the external package-manager CLI. The binary is a black
// box: hayate only generates its manifest, sequences its invocations, and
// classifies its failures.
type Resolver struct {
	Bin      string
	ScopeDir string
	Logger   io.Writer

	// RunStep is injectable for tests; nil means run the real binary.
	RunStep func(ctx context.Context, step ResolverStep) (*OutputTail, error)
}

func NewResolver(cfg *Config, rc *RunContext, logger io.Writer) *Resolver {
	bin := cfg.Values["HAYATE_RESOLVER_BIN"]
	if bin == "" {
		bin = "spack"
	}
	return &Resolver{Bin: bin, ScopeDir: rc.ScopeDir, Logger: logger}
}

// Invoke runs one resolver step and returns the captured output tail.
func (r *Resolver) Invoke(ctx context.Context, step ResolverStep) (*OutputTail, error) {
	if r.RunStep != nil {
		return r.RunStep(ctx, step)
	}

	args := []string{}
	if r.ScopeDir != "" {
		args = append(args, "-C", r.ScopeDir)
	}
	if step.EnvDir != "" && !step.ContextSwitch {
		args = append(args, "-e", step.EnvDir)
	}
	args = append(args, step.Args...)

	debugf("resolver: %s %s\n", r.Bin, strings.Join(args, " "))

	ex := &Executor{Context: ctx}
	cmd := exec.Command(r.Bin, args...)
	tail, err := ex.RunCaptured(cmd, r.Logger, 40)
	if err != nil {
		return tail, classifyResolverError(step, tail, err)
	}
	return tail, nil
}

// conflictMarkers are resolver output fragments indicating a deterministic
// concretization conflict. Retrying these cannot change the outcome.
var conflictMarkers = []string{
	"concretization failed",
	"conflicts with",
	"unsatisfiable",
	"cannot satisfy",
	"UnsatisfiableSpecError",
}

// transientMarkers are output fragments indicating transient infrastructure
// trouble worth a bounded retry.
var transientMarkers = []string{
	"Connection reset",
	"Connection refused",
	"connection timed out",
	"timed out",
	"Temporary failure in name resolution",
	"urlopen error",
	"ConnectionError",
	"too many requests",
	"429",
	"lock timeout",
	"failed to acquire lock",
}

// buildFailureMarkers are output fragments meaning a package's compile from
// source failed, as opposed to the fetch or the solve.
var buildFailureMarkers = []string{
	"ProcessError",
	"InstallError",
	"error found in build log",
	"Failed to install",
}

// classifyResolverError turns a raw process failure into the pipeline's
// error taxonomy based on the captured output.
func classifyResolverError(step ResolverStep, tail *OutputTail, err error) error {
	out := ""
	if tail != nil {
		out = tail.String()
	}
	for _, marker := range conflictMarkers {
		if strings.Contains(out, marker) {
			return &ResolutionConflictError{Spec: step.Name, Tail: lastLines(out, 10)}
		}
	}
	for _, marker := range transientMarkers {
		if strings.Contains(out, marker) {
			return &TransientIOError{Op: step.Name, Err: err}
		}
	}
	if ctxErr := contextCause(err); ctxErr != nil {
		return ctxErr
	}
	for _, marker := range buildFailureMarkers {
		if strings.Contains(out, marker) {
			return &BuildFailureError{Package: failedBuildPackage(out), Tail: lastLines(out, 10)}
		}
	}
	return fmt.Errorf("resolver step %s failed: %w", step.Name, err)
}

// failedBuildPackage extracts the failing package spec from resolver output.
// Best effort; an empty result still classifies correctly, it just cannot
// distinguish which package broke.
func failedBuildPackage(out string) string {
	for _, line := range strings.Split(out, "\n") {
		if idx := strings.Index(line, "Failed to install "); idx >= 0 {
			rest := strings.TrimSpace(line[idx+len("Failed to install "):])
			if f := strings.Fields(rest); len(f) > 0 {
				return strings.TrimRight(f[0], ".,:;")
			}
		}
	}
	return ""
}

func contextCause(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "command aborted") {
		return fmt.Errorf("resolver invocation cancelled: %w", err)
	}
	return nil
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
