package hayate

import (
	"fmt"
	"sort"
)

// ToolchainDescriptor identifies one OS/compiler pairing the cache is built
// for. Entries are static: the catalog is the single source of truth for
// which compiler a toolchain id pins and which native packages the build
// host must provide.
type ToolchainDescriptor struct {
	ID              string
	CompilerVersion string
	GlibcBaseline   string
	TargetArch      string
	OSPackages      []string
}

// toolchainCatalog maps toolchain ids (OS codenames) to their descriptors.
// Adding a new toolchain means adding one entry here and nothing else.
var toolchainCatalog = map[string]ToolchainDescriptor{
	"noble": {
		ID:              "noble",
		CompilerVersion: "13.2.0",
		GlibcBaseline:   "2.39",
		TargetArch:      "x86_64_v3",
		OSPackages:      []string{"build-essential", "gfortran", "libnuma-dev", "libssl-dev"},
	},
	"jammy": {
		ID:              "jammy",
		CompilerVersion: "11.4.0",
		GlibcBaseline:   "2.35",
		TargetArch:      "x86_64_v3",
		OSPackages:      []string{"build-essential", "gfortran", "libnuma-dev", "libssl-dev"},
	},
	"bookworm": {
		ID:              "bookworm",
		CompilerVersion: "12.2.0",
		GlibcBaseline:   "2.36",
		TargetArch:      "x86_64_v3",
		OSPackages:      []string{"build-essential", "gfortran", "libnuma-dev", "libssl-dev"},
	},
	"rocky9": {
		ID:              "rocky9",
		CompilerVersion: "11.4.1",
		GlibcBaseline:   "2.34",
		TargetArch:      "x86_64_v3",
		OSPackages:      []string{"gcc-c++", "gcc-gfortran", "numactl-devel", "openssl-devel"},
	},
}

// compilerLanguages is the language front-end variant pinned on every
// compiler spec. Omitting it lets the resolver pick a gcc build without
// fortran and the failure only surfaces as a null compiler path deep in the
// product build, so the variant is mandatory.
var compilerLanguages = []string{"c", "c++", "fortran"}

// productName is the one product this pipeline builds.
const productName = "slurm"

// productVersions lists the product releases the cache is maintained for.
var productVersions = []string{"25.05", "25.11"}

// LookupToolchain returns the descriptor for a toolchain id.
func LookupToolchain(id string) (ToolchainDescriptor, error) {
	td, ok := toolchainCatalog[id]
	if !ok {
		return ToolchainDescriptor{}, fmt.Errorf("%w: %s", errUnknownToolchain, id)
	}
	return td, nil
}

// Toolchains returns all toolchain ids, sorted.
func Toolchains() []string {
	ids := make([]string, 0, len(toolchainCatalog))
	for id := range toolchainCatalog {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ProductVersions returns the supported product versions.
func ProductVersions() []string {
	out := make([]string, len(productVersions))
	copy(out, productVersions)
	return out
}

// IsProductVersion reports whether v is a supported product version.
func IsProductVersion(v string) bool {
	for _, pv := range productVersions {
		if pv == v {
			return true
		}
	}
	return false
}

// BuildProfile selects which optional feature variants are enabled in the
// generated specs. Profiles are closed: no partial or custom profiles, so
// the manifest space stays enumerable.
type BuildProfile string

const (
	ProfileDefault    BuildProfile = "default"
	ProfileGPU        BuildProfile = "gpu"
	ProfileMinimal    BuildProfile = "minimal"
	ProfileMinimalGPU BuildProfile = "minimal_gpu"
)

// Profiles returns all build profiles in a stable order.
func Profiles() []BuildProfile {
	return []BuildProfile{ProfileDefault, ProfileGPU, ProfileMinimal, ProfileMinimalGPU}
}

// ParseProfile parses a profile name.
func ParseProfile(s string) (BuildProfile, error) {
	switch s {
	case "", "default":
		return ProfileDefault, nil
	case "gpu":
		return ProfileGPU, nil
	case "minimal":
		return ProfileMinimal, nil
	case "minimal_gpu", "minimal-gpu":
		return ProfileMinimalGPU, nil
	}
	return "", fmt.Errorf("unknown build profile: %s", s)
}

// profileSpec is the fixed expansion of one profile: the variant tokens
// appended to the product spec and the dependency specs built alongside it.
type profileSpec struct {
	ProductVariants []string
	DependencySpecs []string
}

// profileTable is the single authoritative profile-to-flags mapping. Every
// code path that needs profile flags goes through ExpandProfile; scattering
// per-call-site string concatenation is how flags historically went missing.
var profileTable = map[BuildProfile]profileSpec{
	ProfileDefault: {
		ProductVariants: []string{"+pmix", "+hwloc", "+readline", "~cuda"},
		DependencySpecs: []string{
			"openmpi@5.0.6 +pmi fabrics=ucx",
			"pmix@5.0.4",
			"hwloc@2.11.2",
		},
	},
	ProfileGPU: {
		ProductVariants: []string{"+pmix", "+hwloc", "+readline", "+cuda", "cuda_arch=90"},
		DependencySpecs: []string{
			"openmpi@5.0.6 +pmi +cuda fabrics=ucx",
			"pmix@5.0.4",
			"hwloc@2.11.2 +cuda",
			"cuda@12.6.2",
		},
	},
	ProfileMinimal: {
		ProductVariants: []string{"+pmix", "~hwloc", "~readline", "~cuda"},
		DependencySpecs: []string{
			"pmix@5.0.4",
		},
	},
	ProfileMinimalGPU: {
		ProductVariants: []string{"+pmix", "~hwloc", "~readline", "+cuda", "cuda_arch=90"},
		DependencySpecs: []string{
			"pmix@5.0.4",
			"cuda@12.6.2",
		},
	},
}

// ExpandProfile returns the fixed flag expansion for a profile. The
// expansion is a table lookup: deterministic and total over the enum.
func ExpandProfile(p BuildProfile) (profileSpec, error) {
	ps, ok := profileTable[p]
	if !ok {
		return profileSpec{}, fmt.Errorf("unknown build profile: %s", p)
	}
	// Copy so callers cannot mutate the table.
	out := profileSpec{
		ProductVariants: append([]string(nil), ps.ProductVariants...),
		DependencySpecs: append([]string(nil), ps.DependencySpecs...),
	}
	return out, nil
}

// PublishTarget selects which subset of concretized packages gets pushed.
type PublishTarget string

const (
	PublishNone    PublishTarget = "none"
	PublishDeps    PublishTarget = "dependencies_only"
	PublishProduct PublishTarget = "product_only"
	PublishAll     PublishTarget = "all"
)

// ParsePublishTarget parses a publish target name.
func ParsePublishTarget(s string) (PublishTarget, error) {
	switch s {
	case "", "none":
		return PublishNone, nil
	case "deps", "dependencies_only":
		return PublishDeps, nil
	case "product", "product_only":
		return PublishProduct, nil
	case "all":
		return PublishAll, nil
	}
	return "", fmt.Errorf("unknown publish target: %s", s)
}
