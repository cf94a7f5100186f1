package hayate

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// relocationPadding is the reserved path padding, in bytes, applied whenever
// a manifest's artifacts may be relocated (any publish target except none).
// 128 bytes accommodates the longest realistic install prefix; a shorter
// reservation makes post-hoc relocation of compiled binaries fail
// irrecoverably.
const relocationPadding = 128

// defaultInstallRoot is the install tree root baked into manifests unless
// overridden in the config.
const defaultInstallRoot = "/opt/software"

// BuildRequest is the user/CI-supplied input, validated against the catalog
// before any manifest is built.
type BuildRequest struct {
	ProductVersion string
	Toolchain      string // toolchain id or "all"
	Profile        BuildProfile
	Target         PublishTarget
	SigningKeyID   string
}

// EnvironmentManifest is the resolved build descriptor for one combination.
// It is constructed once by BuildManifest and never mutated afterwards; a
// stage that needs something different gets a new manifest, not a patch.
type EnvironmentManifest struct {
	ProductVersion string
	Toolchain      ToolchainDescriptor
	Profile        BuildProfile
	Target         PublishTarget

	CompilerSpec string   // exact pin, e.g. "gcc@=13.2.0 languages=c,c++,fortran"
	Specs        []string // compiler + product + dependency specs, variant-expanded
	Unify        bool     // always true: one consistent graph per install tree
	InstallRoot  string
	PaddedLength int
	Mirrors      []Mirror
}

// ID identifies the manifest in logs, results, and remote paths.
func (m *EnvironmentManifest) ID() string {
	return fmt.Sprintf("%s-%s-%s-%s", productName, m.ProductVersion, m.Toolchain.ID, m.Profile)
}

// ProductSpec returns the product spec string including its profile variants.
func (m *EnvironmentManifest) ProductSpec() string {
	for _, s := range m.Specs {
		if strings.HasPrefix(s, productName+"@") {
			return s
		}
	}
	return ""
}

// compilerSpecFor builds the exact-pinned compiler spec for a toolchain. The
// languages variant is mandatory: without it the resolver may pick a compiler
// build lacking a required front end, and the failure only surfaces much
// later as a null compiler path.
func compilerSpecFor(td ToolchainDescriptor) string {
	return fmt.Sprintf("gcc@=%s languages=%s", td.CompilerVersion, strings.Join(compilerLanguages, ","))
}

// BuildManifest resolves one (version, toolchain, profile, target) request
// into a complete environment manifest. Pure with respect to the catalog and
// mirror configuration: no I/O, no process execution.
func BuildManifest(cfg *Config, productVersion, toolchainID string, profile BuildProfile, target PublishTarget) (*EnvironmentManifest, error) {
	if !IsProductVersion(productVersion) {
		return nil, &ValidationError{Field: "product_version",
			Reason: fmt.Sprintf("%q is not a supported release (supported: %v)", productVersion, ProductVersions())}
	}
	td, err := LookupToolchain(toolchainID)
	if err != nil {
		return nil, &ValidationError{Field: "toolchain",
			Reason: fmt.Sprintf("%q is not in the catalog (known: %v)", toolchainID, Toolchains())}
	}
	ps, err := ExpandProfile(profile)
	if err != nil {
		return nil, &ValidationError{Field: "profile", Reason: err.Error()}
	}
	if _, err := ParsePublishTarget(string(target)); err != nil {
		return nil, &ValidationError{Field: "publish_target", Reason: err.Error()}
	}

	compiler := compilerSpecFor(td)

	specs := make([]string, 0, len(ps.DependencySpecs)+2)
	specs = append(specs, compiler)
	product := fmt.Sprintf("%s@%s", productName, productVersion)
	if len(ps.ProductVariants) > 0 {
		product += " " + strings.Join(ps.ProductVariants, " ")
	}
	specs = append(specs, product)
	specs = append(specs, ps.DependencySpecs...)

	padding := 0
	if target != PublishNone {
		padding = relocationPadding
	}

	installRoot := cfg.Values["HAYATE_INSTALL_ROOT"]
	if installRoot == "" {
		installRoot = defaultInstallRoot
	}

	m := &EnvironmentManifest{
		ProductVersion: productVersion,
		Toolchain:      td,
		Profile:        profile,
		Target:         target,
		CompilerSpec:   compiler,
		Specs:          specs,
		Unify:          true,
		InstallRoot:    installRoot,
		PaddedLength:   padding,
		Mirrors:        mirrorsFor(cfg, toolchainID, productVersion),
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks the manifest's internal invariants. BuildManifest always
// produces a valid manifest; this exists so hand-assembled or deserialized
// manifests are caught before dispatch rather than mid-pipeline.
func (m *EnvironmentManifest) Validate() error {
	if !m.Unify {
		return &ValidationError{Field: "concretizer",
			Reason: "unify must be true: without a single consistent graph, binary compatibility across packages in one install tree cannot be guaranteed"}
	}
	if m.CompilerSpec == "" || !strings.Contains(m.CompilerSpec, "@=") {
		return &ValidationError{Field: "compiler", Reason: "compiler constraint must be an exact version pin"}
	}
	if !strings.Contains(m.CompilerSpec, "languages=") {
		return &ValidationError{Field: "compiler", Reason: "compiler constraint must pin the language front-end variant"}
	}
	if m.Target != PublishNone && m.PaddedLength <= 0 {
		return &ValidationError{Field: "padded_length",
			Reason: fmt.Sprintf("must be positive when publish target is %s: unpadded binaries cannot be relocated by cache consumers", m.Target)}
	}
	// Binary mirrors must belong to this manifest's toolchain; mixing
	// toolchains produces caches that resolve but do not run.
	sawBinary := false
	sawSourceBeforeBinary := false
	for _, mir := range m.Mirrors {
		if mir.Binary {
			if mir.Toolchain != m.Toolchain.ID {
				return &ValidationError{Field: "mirrors",
					Reason: fmt.Sprintf("binary mirror %s targets toolchain %q, manifest is %q", mir.Name, mir.Toolchain, m.Toolchain.ID)}
			}
			if sawSourceBeforeBinary {
				return &ValidationError{Field: "mirrors",
					Reason: "source mirror listed before a binary mirror: every build would fall back to source"}
			}
			sawBinary = true
		}
		if mir.Source {
			sawSourceBeforeBinary = true
		}
	}
	if m.Target != PublishNone && !sawBinary {
		return &ValidationError{Field: "mirrors", Reason: "publishing manifests need at least one binary mirror"}
	}
	return nil
}

// spack.yaml serialization. The schema is owned by the external resolver;
// only the fields the pipeline relies on are emitted.

type manifestDoc struct {
	Spack spackSection `yaml:"spack"`
}

type spackSection struct {
	Specs       []string           `yaml:"specs"`
	Concretizer concretizerSection `yaml:"concretizer"`
	Packages    packagesSection    `yaml:"packages"`
	Config      configSection      `yaml:"config"`
	Mirrors     *yaml.Node         `yaml:"mirrors"`
}

type concretizerSection struct {
	Unify bool `yaml:"unify"`
}

type packagesSection struct {
	All allPackages `yaml:"all"`
}

type allPackages struct {
	Target []string `yaml:"target"`
}

type configSection struct {
	InstallTree installTree `yaml:"install_tree"`
}

type installTree struct {
	Root         string `yaml:"root"`
	PaddedLength int    `yaml:"padded_length"`
}

type mirrorEntry struct {
	URL    string `yaml:"url"`
	Signed bool   `yaml:"signed"`
	Binary bool   `yaml:"binary"`
	Source bool   `yaml:"source"`
}

// mirrorsNode emits the mirror list as an ordered YAML mapping. A Go map
// would lose the ordering the resolver depends on.
func mirrorsNode(mirrors []Mirror) (*yaml.Node, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, m := range mirrors {
		keyNode := &yaml.Node{Kind: yaml.ScalarNode, Value: m.Name}
		valNode := &yaml.Node{}
		if err := valNode.Encode(mirrorEntry{URL: m.URL, Signed: m.Signed, Binary: m.Binary, Source: m.Source}); err != nil {
			return nil, err
		}
		node.Content = append(node.Content, keyNode, valNode)
	}
	return node, nil
}

// ToYAML serializes the manifest into the resolver's spack.yaml schema.
func (m *EnvironmentManifest) ToYAML() ([]byte, error) {
	mirrors, err := mirrorsNode(m.Mirrors)
	if err != nil {
		return nil, fmt.Errorf("failed to encode mirrors: %w", err)
	}
	doc := manifestDoc{
		Spack: spackSection{
			Specs:       m.Specs,
			Concretizer: concretizerSection{Unify: m.Unify},
			Packages:    packagesSection{All: allPackages{Target: []string{m.Toolchain.TargetArch}}},
			Config: configSection{
				InstallTree: installTree{Root: m.InstallRoot, PaddedLength: m.PaddedLength},
			},
			Mirrors: mirrors,
		},
	}
	return yaml.Marshal(&doc)
}

// WriteFile serializes the manifest to path.
func (m *EnvironmentManifest) WriteFile(path string) error {
	data, err := m.ToYAML()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest %s: %w", path, err)
	}
	return nil
}
