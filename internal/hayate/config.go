package hayate

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config struct
type Config struct {
	Values map[string]string
}

// Load /etc/hayate.conf and apply defaults
func loadConfig(path string) (*Config, error) {
	cfg := &Config{Values: make(map[string]string)}

	// Attempt to read the file
	file, err := os.Open(path)
	if err == nil {
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			parts := strings.SplitN(line, "=", 2)
			if len(parts) != 2 {
				continue
			}
			key := strings.TrimSpace(parts[0])
			val := strings.TrimSpace(parts[1])
			val = strings.Trim(val, `"'`)
			cfg.Values[key] = val
		}
		if err := scanner.Err(); err != nil {
			return cfg, err
		}
	}

	// Merge HAYATE_* env overrides
	mergeEnvOverrides(cfg)

	// Ensure TMPDIR has a default
	if tmp := cfg.Values["TMPDIR"]; tmp == "" {
		cfg.Values["TMPDIR"] = "/tmp"
	}

	return cfg, nil
}

// Merge HAYATE_* env overrides. Credential variables (R2_*, SIGNING_*) are
// imported too so CI can configure the pipeline without a config file.
func mergeEnvOverrides(cfg *Config) {
	for _, env := range os.Environ() {
		if strings.HasPrefix(env, "HAYATE_") ||
			strings.HasPrefix(env, "R2_") ||
			strings.HasPrefix(env, "SIGNING_") {
			parts := strings.SplitN(env, "=", 2)
			if len(parts) == 2 {
				cfg.Values[parts[0]] = parts[1]
			}
		}
	}
}

func initConfig(cfg *Config) {
	WorkRoot = cfg.Values["HAYATE_WORK"]
	if WorkRoot == "" {
		WorkRoot = "/var/tmp/hayate"
	}

	Debug = cfg.Values["HAYATE_DEBUG"] == "1"
	Verbose = cfg.Values["HAYATE_VERBOSE"] == "1"

	if mirror := cfg.Values["HAYATE_CACHE_BASE"]; mirror != "" {
		BinaryMirror = strings.TrimRight(mirror, "/")
		debugf("=> Using binary cache base: %s\n", BinaryMirror)
	}
	if mirror := cfg.Values["HAYATE_SOURCE_MIRROR"]; mirror != "" {
		SourceMirror = strings.TrimRight(mirror, "/")
	}
	if SourceMirror == "" {
		// mirror.spack.io carries source tarballs for everything spack can
		// concretize, which makes it a safe fallback of last resort.
		SourceMirror = "https://mirror.spack.io"
	}

	LogDir = filepath.Join(WorkRoot, "logs")
	BuildRootDir = filepath.Join(WorkRoot, "roots")
	ArtifactDir = filepath.Join(WorkRoot, "artifacts")
}

// setConfigValue updates a key in the config file and the in-memory map.
func setConfigValue(cfg *Config, key, value string) error {
	cfg.Values[key] = value

	var lines []string
	replaced := false
	if data, err := os.ReadFile(ConfigFile); err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			trimmed := strings.TrimSpace(line)
			if strings.HasPrefix(trimmed, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				replaced = true
				continue
			}
			lines = append(lines, line)
		}
		// Drop a trailing empty line so we don't accumulate them
		for len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}
	}
	if !replaced {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}

	content := strings.Join(lines, "\n") + "\n"
	return os.WriteFile(ConfigFile, []byte(content), 0644)
}
