package hayate

import (
	"fmt"
	"path/filepath"
)

// RunContext holds the isolated filesystem layout of one pipeline run. Every
// combination gets its own build root, so nothing here is shared between
// concurrent runs. In particular the compiler registration scope would
// race if it were process-wide.
type RunContext struct {
	RunDir       string // isolated root for this run
	BootstrapEnv string // environment containing only the compiler
	ProductEnv   string // environment containing the product specs
	ScopeDir     string // per-run resolver config scope (compiler registry)
	LogPath      string
}

// NewRunContext lays out the per-run directories under BuildRootDir.
func NewRunContext(m *EnvironmentManifest) *RunContext {
	runDir := filepath.Join(BuildRootDir, m.ID())
	return &RunContext{
		RunDir:       runDir,
		BootstrapEnv: filepath.Join(runDir, "bootstrap"),
		ProductEnv:   filepath.Join(runDir, "product"),
		ScopeDir:     filepath.Join(runDir, "scope"),
		LogPath:      filepath.Join(LogDir, m.ID()+".log"),
	}
}

// ResolverStep is one invocation of the external resolver CLI. EnvDir is the
// working context the step runs in; steps with an empty EnvDir are
// context-free (global scope operations).
type ResolverStep struct {
	Name          string
	Args          []string
	EnvDir        string
	ContextSwitch bool // marks the explicit bootstrap→product transition
}

// PlanBootstrap derives the two-phase compiler-acquisition plan for a
// manifest. The order is load-bearing:
//
//  1. create an isolated bootstrap environment holding only the compiler spec
//  2. install it there, from the binary cache when possible
//  3. register the compiler at this run's scope so later environments see it
//  4. switch context to the product environment
//
// Product specs are never concretized or installed inside the bootstrap
// context: that environment contains nothing but the compiler, so an install
// attempted there silently no-ops. The switch is its own step precisely so
// it cannot be skipped by accident.
func PlanBootstrap(m *EnvironmentManifest, rc *RunContext) []ResolverStep {
	compilerSpec := m.CompilerSpec

	return []ResolverStep{
		{
			Name:   "bootstrap-env-create",
			Args:   []string{"env", "create", "--dir", rc.BootstrapEnv},
			EnvDir: "",
		},
		{
			Name:   "bootstrap-add-compiler",
			Args:   []string{"add", compilerSpec},
			EnvDir: rc.BootstrapEnv,
		},
		{
			Name: "bootstrap-install-compiler",
			Args: []string{
				"install", "--fail-fast",
				"--use-buildcache", "package:auto,dependencies:auto",
			},
			EnvDir: rc.BootstrapEnv,
		},
		{
			Name: "register-compiler",
			Args: []string{
				"compiler", "find",
				"--scope", fmt.Sprintf("site:%s", rc.ScopeDir),
			},
			EnvDir: rc.BootstrapEnv,
		},
		{
			Name:          "activate-product-env",
			Args:          []string{"env", "activate", "--dir", rc.ProductEnv},
			EnvDir:        rc.ProductEnv,
			ContextSwitch: true,
		},
	}
}
