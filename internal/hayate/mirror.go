package hayate

import (
	"fmt"
	"strings"
)

// Mirror is one entry of a manifest's ordered mirror list. The resolver
// consults mirrors in list order, so binary mirrors must come before the
// source fallback or every build silently becomes a full source build.
type Mirror struct {
	Name      string
	URL       string
	Toolchain string // empty for toolchain-agnostic mirrors (source fallback)
	Signed    bool
	Binary    bool
	Source    bool
}

// cacheBase returns the public base URL of the binary cache.
func cacheBase(cfg *Config) string {
	if BinaryMirror != "" {
		return BinaryMirror
	}
	if base := cfg.Values["HAYATE_CACHE_BASE"]; base != "" {
		return strings.TrimRight(base, "/")
	}
	return "https://cache.sauzeros.dev/" + productName
}

// mirrorsFor builds the priority-ordered mirror list for one combination:
// product binaries first, shared dependency binaries second, source-only
// fallback last.
func mirrorsFor(cfg *Config, toolchainID, productVersion string) []Mirror {
	base := cacheBase(cfg)
	return []Mirror{
		{
			Name:      fmt.Sprintf("%s-%s", productName, toolchainID),
			URL:       fmt.Sprintf("%s/%s/%s/%s", base, toolchainID, productName, productVersion),
			Toolchain: toolchainID,
			Signed:    true,
			Binary:    true,
		},
		{
			Name:      fmt.Sprintf("%s-%s-deps", productName, toolchainID),
			URL:       fmt.Sprintf("%s/%s/%s/deps", base, toolchainID, productName),
			Toolchain: toolchainID,
			Signed:    true,
			Binary:    true,
		},
		{
			Name:   "source-fallback",
			URL:    SourceMirror,
			Signed: false,
			Source: true,
		},
	}
}

// listMirrors prints the mirror topology for every toolchain.
func listMirrors(cfg *Config) error {
	for _, id := range Toolchains() {
		colSuccess.Printf("%s:\n", id)
		for _, m := range mirrorsFor(cfg, id, productVersions[len(productVersions)-1]) {
			kind := "source"
			if m.Binary {
				kind = "binary"
			}
			fmt.Printf("  %-24s %-7s %s\n", m.Name, kind, m.URL)
		}
	}
	return nil
}
