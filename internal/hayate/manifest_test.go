package hayate

import (
	"errors"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"
)

func testConfig() *Config {
	return &Config{Values: map[string]string{}}
}

func TestBuildManifestDefault(t *testing.T) {
	m, err := BuildManifest(testConfig(), "25.11", "noble", ProfileDefault, PublishNone)
	if err != nil {
		t.Fatalf("BuildManifest error: %v", err)
	}

	if m.CompilerSpec != "gcc@=13.2.0 languages=c,c++,fortran" {
		t.Fatalf("CompilerSpec = %q", m.CompilerSpec)
	}
	// Exactly one compiler constraint across all specs.
	pins := 0
	for _, s := range m.Specs {
		if strings.HasPrefix(s, "gcc@=") {
			pins++
		}
	}
	if pins != 1 {
		t.Fatalf("found %d gcc pins in specs %v, want 1", pins, m.Specs)
	}
	if len(m.Specs) < 3 {
		t.Fatalf("specs = %v, want compiler + product + deps", m.Specs)
	}
	if !m.Unify {
		t.Fatalf("Unify = false, want true")
	}
	if m.PaddedLength != 0 {
		t.Fatalf("PaddedLength = %d, want 0 for publish target none", m.PaddedLength)
	}
	if m.ID() != "slurm-25.11-noble-default" {
		t.Fatalf("ID() = %q", m.ID())
	}
}

func TestBuildManifestPublishingPadding(t *testing.T) {
	m, err := BuildManifest(testConfig(), "25.11", "noble", ProfileDefault, PublishAll)
	if err != nil {
		t.Fatalf("BuildManifest error: %v", err)
	}
	if m.PaddedLength != relocationPadding {
		t.Fatalf("PaddedLength = %d, want %d when publishing", m.PaddedLength, relocationPadding)
	}
}

func TestBuildManifestRejectsUnknownInputs(t *testing.T) {
	tests := []struct {
		name      string
		version   string
		toolchain string
		profile   BuildProfile
	}{
		{"bad version", "24.08", "noble", ProfileDefault},
		{"bad toolchain", "25.11", "trusty", ProfileDefault},
		{"bad profile", "25.11", "noble", BuildProfile("custom")},
	}
	for _, tt := range tests {
		_, err := BuildManifest(testConfig(), tt.version, tt.toolchain, tt.profile, PublishNone)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Fatalf("%s: got %v, want *ValidationError", tt.name, err)
		}
	}
}

func TestValidateRejectsUnpaddedPublish(t *testing.T) {
	m, err := BuildManifest(testConfig(), "25.11", "noble", ProfileDefault, PublishAll)
	if err != nil {
		t.Fatalf("BuildManifest error: %v", err)
	}
	m.PaddedLength = 0
	err = m.Validate()
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("Validate() = %v, want *ValidationError for unpadded publishing manifest", err)
	}
	if verr.Field != "padded_length" {
		t.Fatalf("Field = %q, want padded_length", verr.Field)
	}
}

func TestValidateRejectsForeignBinaryMirror(t *testing.T) {
	m, err := BuildManifest(testConfig(), "25.11", "noble", ProfileDefault, PublishAll)
	if err != nil {
		t.Fatalf("BuildManifest error: %v", err)
	}
	m.Mirrors[0].Toolchain = "jammy"
	if err := m.Validate(); err == nil {
		t.Fatalf("Validate() accepted a binary mirror for another toolchain")
	}
}

func TestValidateRejectsSourceBeforeBinary(t *testing.T) {
	m, err := BuildManifest(testConfig(), "25.11", "noble", ProfileDefault, PublishAll)
	if err != nil {
		t.Fatalf("BuildManifest error: %v", err)
	}
	// Move the source fallback ahead of the binary mirrors.
	last := len(m.Mirrors) - 1
	m.Mirrors[0], m.Mirrors[last] = m.Mirrors[last], m.Mirrors[0]
	if err := m.Validate(); err == nil {
		t.Fatalf("Validate() accepted source mirror ahead of binary mirrors")
	}
}

func TestMirrorOrdering(t *testing.T) {
	mirrors := mirrorsFor(testConfig(), "noble", "25.11")
	if len(mirrors) != 3 {
		t.Fatalf("mirrorsFor returned %d mirrors, want 3", len(mirrors))
	}
	if !mirrors[0].Binary || !strings.Contains(mirrors[0].URL, "/noble/slurm/25.11") {
		t.Fatalf("first mirror = %+v, want product binary mirror", mirrors[0])
	}
	if !mirrors[1].Binary || !strings.Contains(mirrors[1].URL, "/noble/slurm/deps") {
		t.Fatalf("second mirror = %+v, want deps binary mirror", mirrors[1])
	}
	if !mirrors[2].Source || mirrors[2].Binary {
		t.Fatalf("third mirror = %+v, want source fallback", mirrors[2])
	}
}

func TestManifestYAMLShape(t *testing.T) {
	m, err := BuildManifest(testConfig(), "25.11", "noble", ProfileGPU, PublishAll)
	if err != nil {
		t.Fatalf("BuildManifest error: %v", err)
	}
	data, err := m.ToYAML()
	if err != nil {
		t.Fatalf("ToYAML error: %v", err)
	}

	var doc struct {
		Spack struct {
			Specs       []string `yaml:"specs"`
			Concretizer struct {
				Unify bool `yaml:"unify"`
			} `yaml:"concretizer"`
			Config struct {
				InstallTree struct {
					Root         string `yaml:"root"`
					PaddedLength int    `yaml:"padded_length"`
				} `yaml:"install_tree"`
			} `yaml:"config"`
			Mirrors map[string]struct {
				URL    string `yaml:"url"`
				Binary bool   `yaml:"binary"`
			} `yaml:"mirrors"`
		} `yaml:"spack"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		t.Fatalf("generated manifest does not parse: %v\n%s", err, data)
	}
	if !doc.Spack.Concretizer.Unify {
		t.Fatalf("unify not set in generated manifest:\n%s", data)
	}
	if doc.Spack.Config.InstallTree.PaddedLength != relocationPadding {
		t.Fatalf("padded_length = %d, want %d", doc.Spack.Config.InstallTree.PaddedLength, relocationPadding)
	}
	if len(doc.Spack.Mirrors) != 3 {
		t.Fatalf("mirrors in manifest = %d, want 3", len(doc.Spack.Mirrors))
	}
	// Mirror order must survive serialization: the product mirror comes first.
	idx := strings.Index(string(data), "slurm-noble:")
	depsIdx := strings.Index(string(data), "slurm-noble-deps:")
	srcIdx := strings.Index(string(data), "source-fallback:")
	if idx < 0 || depsIdx < 0 || srcIdx < 0 || !(idx < depsIdx && depsIdx < srcIdx) {
		t.Fatalf("mirror order lost in serialization:\n%s", data)
	}
}

func TestProductSpecCarriesProfileVariants(t *testing.T) {
	m, err := BuildManifest(testConfig(), "25.05", "jammy", ProfileGPU, PublishNone)
	if err != nil {
		t.Fatalf("BuildManifest error: %v", err)
	}
	ps := m.ProductSpec()
	if !strings.HasPrefix(ps, "slurm@25.05") {
		t.Fatalf("ProductSpec = %q, want slurm@25.05 prefix", ps)
	}
	if !strings.Contains(ps, "+cuda") {
		t.Fatalf("ProductSpec = %q, missing gpu variant", ps)
	}
}
