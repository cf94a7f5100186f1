package hayate

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"
)

func printHelp() {
	fmt.Printf("hayate %s - build, sign and publish pipeline\n\n", version)
	fmt.Println("Usage: hayate <command> [args...]")
	fmt.Println()
	commands := [][2]string{
		{"manifest <version> <toolchain>", "generate the resolver manifest for one combination"},
		{"plan <version> <toolchain>", "show the compiler bootstrap plan"},
		{"run <version|all> <toolchain|all>", "execute the full pipeline"},
		{"verify <version> <toolchain>", "re-verify a published combination"},
		{"index", "show the remote cache index"},
		{"mirrors", "show the mirror topology"},
		{"settings [key value]", "show or change configuration"},
		{"logs", "browse run logs"},
		{"version", "show version information"},
	}
	width := 0
	for _, c := range commands {
		if len(c[0]) > width {
			width = len(c[0])
		}
	}
	for _, c := range commands {
		fmt.Printf("  %-*s  %s\n", width, c[0], c[1])
	}
	fmt.Println()
	fmt.Println("Common flags: -profile <name> -publish <target> -jobs <n>")
}

// pipelineFlags are the options shared by manifest, plan, run and verify.
type pipelineFlags struct {
	fs      *flag.FlagSet
	profile string
	publish string
	jobs    int
	output  string
}

func newPipelineFlags(name string) *pipelineFlags {
	pf := &pipelineFlags{fs: flag.NewFlagSet(name, flag.ContinueOnError)}
	pf.fs.StringVar(&pf.profile, "profile", "default", "build profile")
	pf.fs.StringVar(&pf.publish, "publish", "none", "publish target (none, dependencies_only, product_only, all)")
	pf.fs.IntVar(&pf.jobs, "jobs", 2, "max parallel combinations")
	pf.fs.StringVar(&pf.output, "o", "", "output file (default stdout)")
	return pf
}

func (pf *pipelineFlags) parse(args []string) (profile BuildProfile, target PublishTarget, err error) {
	if err = pf.fs.Parse(args); err != nil {
		return
	}
	profile, err = ParseProfile(pf.profile)
	if err != nil {
		return
	}
	target, err = ParsePublishTarget(pf.publish)
	return
}

// Main is the CLI entry point. It owns signal handling: the first interrupt
// cancels the run context so in-flight resolver processes die with their
// process groups, a second interrupt exits immediately.
func Main() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigs:
			fmt.Printf("\nReceived %v, cancelling...\n", sig)
			cancel()
			select {
			case <-sigs:
				fmt.Println("\nSecond interrupt, exiting now.")
				os.Exit(130)
			case <-time.After(30 * time.Second):
				os.Exit(130)
			}
		case <-ctx.Done():
		}
	}()

	if len(os.Args) < 2 {
		printHelp()
		return 1
	}

	cfg, err := loadConfig(ConfigFile)
	if err != nil {
		cfg = &Config{Values: map[string]string{}}
	}
	mergeEnvOverrides(cfg)
	initConfig(cfg)

	switch os.Args[1] {
	case "version":
		fmt.Printf("hayate %s (built %s)\n", version, buildDate)
		return 0

	case "help", "-h", "--help":
		printHelp()
		return 0

	case "manifest":
		return cmdManifest(cfg, os.Args[2:])

	case "plan":
		return cmdPlan(cfg, os.Args[2:])

	case "run":
		return cmdRun(ctx, cfg, os.Args[2:])

	case "verify":
		return cmdVerify(ctx, cfg, os.Args[2:])

	case "index":
		return cmdIndex(ctx, cfg)

	case "mirrors":
		if err := listMirrors(cfg); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			return 1
		}
		return 0

	case "settings":
		return cmdSettings(cfg, os.Args[2:])

	case "logs":
		return runLogViewer()

	default:
		fmt.Println("Unknown command:", os.Args[1])
		printHelp()
		return 1
	}
}

// runLogWriter opens the run log for resolver output. On failure the writer
// is a nil interface, not a typed-nil *os.File, so downstream nil checks on
// the io.Writer hold.
func runLogWriter(path string) (io.Writer, func()) {
	f, err := os.Create(path)
	if err != nil {
		return nil, func() {}
	}
	return f, func() { f.Close() }
}

// positional pulls the two required version/toolchain arguments off the
// front of a subcommand's argument list.
func positional(args []string) (version, toolchain string, rest []string, ok bool) {
	if len(args) < 2 {
		return "", "", nil, false
	}
	return args[0], args[1], args[2:], true
}

func cmdManifest(cfg *Config, args []string) int {
	ver, tc, rest, ok := positional(args)
	if !ok {
		fmt.Println("Usage: hayate manifest <version> <toolchain> [-profile p] [-publish t] [-o file]")
		return 1
	}
	pf := newPipelineFlags("manifest")
	profile, target, err := pf.parse(rest)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	m, err := BuildManifest(cfg, ver, tc, profile, target)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	if pf.output != "" {
		if err := m.WriteFile(pf.output); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			return 1
		}
		colArrow.Print("-> ")
		colSuccess.Printf("Wrote %s\n", pf.output)
		return 0
	}
	data, err := m.ToYAML()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	os.Stdout.Write(data)
	return 0
}

func cmdPlan(cfg *Config, args []string) int {
	ver, tc, rest, ok := positional(args)
	if !ok {
		fmt.Println("Usage: hayate plan <version> <toolchain> [-profile p] [-publish t]")
		return 1
	}
	profile, target, err := newPipelineFlags("plan").parse(rest)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	m, err := BuildManifest(cfg, ver, tc, profile, target)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	rc := NewRunContext(m)
	colArrow.Print("-> ")
	colSuccess.Printf("Bootstrap plan for %s\n", m.ID())
	for i, step := range PlanBootstrap(m, rc) {
		marker := " "
		if step.ContextSwitch {
			marker = "*"
		}
		fmt.Printf("  %d%s %-28s %v\n", i+1, marker, step.Name, step.Args)
	}
	fmt.Println("  (* = context switch to product environment)")
	return 0
}

func cmdRun(ctx context.Context, cfg *Config, args []string) int {
	ver, tc, rest, ok := positional(args)
	if !ok {
		fmt.Println("Usage: hayate run <version|all> <toolchain|all> [-profile p] [-publish t] [-jobs n]")
		return 1
	}
	pf := newPipelineFlags("run")
	profile, target, err := pf.parse(rest)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	req := BuildRequest{ProductVersion: ver, Toolchain: tc, Profile: profile, Target: target}
	manifests, err := ExpandMatrix(cfg, req)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Running %d combination(s), %d in parallel\n", len(manifests), pf.jobs)
	if _, err := RunMatrix(ctx, cfg, manifests, pf.jobs); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}

func cmdVerify(ctx context.Context, cfg *Config, args []string) int {
	ver, tc, rest, ok := positional(args)
	if !ok {
		fmt.Println("Usage: hayate verify <version> <toolchain> [-profile p] [-publish t]")
		return 1
	}
	pf := newPipelineFlags("verify")
	pf.publish = "all"
	profile, target, err := pf.parse(rest)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	m, err := BuildManifest(cfg, ver, tc, profile, target)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	rc := NewRunContext(m)
	client, err := NewCacheClient(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	client.Quiet = true
	if err := os.MkdirAll(LogDir, 0755); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	logger, closeLog := runLogWriter(rc.LogPath)
	defer closeLog()
	v := &Verifier{Resolver: NewResolver(cfg, rc, logger), Store: client}
	if err := v.VerifyPublish(ctx, m, rc); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Verified %s against the published cache\n", m.ID())
	return 0
}

// settingsKeys are the knobs worth showing. Signing and storage credentials
// are reported as set or unset, never by value.
var settingsKeys = []string{
	"HAYATE_WORK",
	"HAYATE_CACHE_BASE",
	"HAYATE_SOURCE_MIRROR",
	"HAYATE_RESOLVER_BIN",
	"HAYATE_INSTALL_ROOT",
	"HAYATE_DEBUG",
	"HAYATE_VERBOSE",
	"R2_ACCOUNT_ID",
	"R2_BUCKET_NAME",
	"R2_ACCESS_KEY_ID",
	"R2_SECRET_ACCESS_KEY",
	"SIGNING_KEY_ID",
	"SIGNING_KEY_B64",
	"SIGNING_PASSPHRASE",
}

func maskedSetting(key, val string) string {
	secret := strings.HasPrefix(key, "SIGNING_") ||
		key == "R2_ACCESS_KEY_ID" || key == "R2_SECRET_ACCESS_KEY"
	switch {
	case val == "":
		return "(unset)"
	case secret:
		return "(set)"
	default:
		return val
	}
}

func cmdSettings(cfg *Config, args []string) int {
	if len(args) == 0 {
		colArrow.Print("-> ")
		colSuccess.Println("Hayate Settings")
		for _, key := range settingsKeys {
			cPrintf(colInfo, "  %-22s %s\n", key, maskedSetting(key, cfg.Values[key]))
		}
		cPrintln(colNote, "Change a value with: hayate settings <key> <value>")
		return 0
	}
	if len(args) != 2 {
		fmt.Println("Usage: hayate settings [key value]")
		return 1
	}
	if err := setConfigValue(cfg, args[0], args[1]); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Set %s in %s\n", args[0], ConfigFile)
	return 0
}

func cmdIndex(ctx context.Context, cfg *Config) int {
	client, err := NewCacheClient(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	client.Quiet = true
	data, err := client.Download(ctx, indexKey)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error: cannot download cache index:", err)
		return 1
	}
	entries, err := ParseCacheIndex(data)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	colArrow.Print("-> ")
	colSuccess.Printf("Cache index: %d entries\n", len(entries))
	var total int64
	for _, e := range entries {
		signed := ""
		if e.Signature != "" {
			signed = " [signed]"
		}
		fmt.Printf("  %-60s %10s%s\n", e.Key, humanReadableSize(e.Size), signed)
		total += e.Size
	}
	fmt.Printf("  Total: %s\n", humanReadableSize(total))
	return 0
}
