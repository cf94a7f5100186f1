package hayate

import (
	"errors"

	"github.com/gookit/color"
)

// Global variables
var (
	WorkRoot     string
	LogDir       string
	BuildRootDir string
	ArtifactDir  string
	Debug        bool
	Verbose      bool
	ConfigFile   = "/etc/hayate.conf"
	BinaryMirror string
	SourceMirror string
	version      = "dev" // overridden at build time
	buildDate    = "unknown"

	errUnknownToolchain = errors.New("unknown toolchain")
)

// color helpers
var (
	colInfo    = color.Info
	colWarn    = color.Warn
	colError   = color.Error
	colSuccess = color.HEX("#1976D2")
	colArrow   = color.HEX("#FFEB3B")
	colNote    = color.Tag("notice")
)
