package hayate

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// MatrixManager fans one build request out across the (version, toolchain)
// matrix and runs the combinations in parallel. Runs are fully independent:
// each gets its own run context, log file, and signing state, and one
// combination failing never stops the others.
type MatrixManager struct {
	MaxJobs int
	Config  *Config
	Context context.Context

	mu        sync.Mutex
	Pending   []*EnvironmentManifest
	Running   map[string]time.Time
	Completed map[string]*PipelineResult
	Failed    map[string]*PipelineResult

	// Runner is injectable for tests; nil runs the real pipeline.
	Runner func(ctx context.Context, m *EnvironmentManifest) *PipelineResult

	resultChan chan *PipelineResult
}

// ExpandMatrix resolves a request into the manifests it covers. A concrete
// version/toolchain yields one manifest; "all" in either dimension expands
// against the catalog. Expansion order is deterministic.
func ExpandMatrix(cfg *Config, req BuildRequest) ([]*EnvironmentManifest, error) {
	versions := []string{req.ProductVersion}
	if req.ProductVersion == "all" {
		versions = ProductVersions()
	}
	toolchains := []string{req.Toolchain}
	if req.Toolchain == "all" {
		toolchains = Toolchains()
	}

	var manifests []*EnvironmentManifest
	for _, v := range versions {
		for _, tc := range toolchains {
			m, err := BuildManifest(cfg, v, tc, req.Profile, req.Target)
			if err != nil {
				return nil, err
			}
			manifests = append(manifests, m)
		}
	}
	return manifests, nil
}

// RunMatrix executes the manifests with at most maxJobs in flight and
// reports the aggregate. The returned error summarizes failures; per-run
// detail lives in the results map.
func RunMatrix(ctx context.Context, cfg *Config, manifests []*EnvironmentManifest, maxJobs int) (map[string]*PipelineResult, error) {
	if maxJobs < 1 {
		maxJobs = 1
	}
	mm := &MatrixManager{
		MaxJobs:    maxJobs,
		Config:     cfg,
		Context:    ctx,
		Pending:    append([]*EnvironmentManifest(nil), manifests...),
		Running:    make(map[string]time.Time),
		Completed:  make(map[string]*PipelineResult),
		Failed:     make(map[string]*PipelineResult),
		resultChan: make(chan *PipelineResult, maxJobs),
	}
	mm.Runner = mm.runOne

	uiDone := make(chan struct{})
	go mm.uiLoop(uiDone)

	mm.run()

	close(uiDone)
	fmt.Print("\r\033[K")

	results := make(map[string]*PipelineResult, len(mm.Completed)+len(mm.Failed))
	for id, r := range mm.Completed {
		results[id] = r
	}
	for id, r := range mm.Failed {
		results[id] = r
	}
	mm.report()

	if len(mm.Failed) > 0 {
		return results, fmt.Errorf("matrix incomplete: %d of %d combinations failed", len(mm.Failed), len(manifests))
	}
	return results, nil
}

// run is the dispatch loop: start what fits, collect what finishes.
func (mm *MatrixManager) run() {
	for {
		mm.mu.Lock()
		for len(mm.Pending) > 0 && len(mm.Running) < mm.MaxJobs && mm.Context.Err() == nil {
			m := mm.Pending[0]
			mm.Pending = mm.Pending[1:]
			mm.start(m)
		}
		running := len(mm.Running)
		pending := len(mm.Pending)
		mm.mu.Unlock()

		if running == 0 {
			if pending > 0 && mm.Context.Err() != nil {
				// Cancelled with work left: record the remainder as failed so
				// the aggregate accounts for every combination.
				mm.mu.Lock()
				for _, m := range mm.Pending {
					mm.Failed[m.ID()] = &PipelineResult{ManifestID: m.ID(), Err: mm.Context.Err()}
				}
				mm.Pending = nil
				mm.mu.Unlock()
			}
			return
		}

		res := <-mm.resultChan
		mm.mu.Lock()
		delete(mm.Running, res.ManifestID)
		if res.Success() {
			mm.Completed[res.ManifestID] = res
		} else {
			mm.Failed[res.ManifestID] = res
		}
		mm.mu.Unlock()
	}
}

func (mm *MatrixManager) start(m *EnvironmentManifest) {
	mm.Running[m.ID()] = time.Now()
	go func() {
		mm.resultChan <- mm.Runner(mm.Context, m)
	}()
}

// runOne builds the isolated run state for one manifest and executes the
// pipeline against it, logging to the run's own file.
func (mm *MatrixManager) runOne(ctx context.Context, m *EnvironmentManifest) *PipelineResult {
	rc := NewRunContext(m)
	if err := os.MkdirAll(LogDir, 0755); err != nil {
		return &PipelineResult{ManifestID: m.ID(), Err: err}
	}
	logFile, err := os.Create(rc.LogPath)
	if err != nil {
		return &PipelineResult{ManifestID: m.ID(), Err: fmt.Errorf("failed to create log %s: %w", rc.LogPath, err)}
	}
	defer logFile.Close()

	var store objectStore
	if m.Target != PublishNone {
		client, err := NewCacheClient(mm.Config)
		if err != nil {
			return &PipelineResult{ManifestID: m.ID(), Err: err}
		}
		client.Quiet = true
		store = client
	}

	p := &Pipeline{
		Config:   mm.Config,
		Manifest: m,
		Run:      rc,
		Resolver: NewResolver(mm.Config, rc, logFile),
		Store:    store,
	}
	return p.Execute(ctx)
}

func (mm *MatrixManager) uiLoop(done chan struct{}) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	lastStatus := ""
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			status := mm.statusString()
			if status != lastStatus {
				fmt.Print("\r\033[K" + status)
				lastStatus = status
			}
		}
	}
}

func (mm *MatrixManager) statusString() string {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	var active []string
	for id := range mm.Running {
		active = append(active, id)
	}
	sort.Strings(active)

	listStr := strings.Join(active, ", ")
	if len(listStr) > 60 {
		listStr = listStr[:57] + "..."
	}

	return fmt.Sprintf("%s %s %s | %s",
		colArrow.Sprint("->"),
		colSuccess.Sprintf("Building [%d]:", len(active)),
		colNote.Sprint(listStr),
		colSuccess.Sprintf("Done: %d Failed: %d Left: %d",
			len(mm.Completed), len(mm.Failed), len(mm.Pending)))
}

// report prints the aggregate once the matrix has drained.
func (mm *MatrixManager) report() {
	mm.mu.Lock()
	defer mm.mu.Unlock()

	if len(mm.Completed) > 0 {
		var ids []string
		for id := range mm.Completed {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		colArrow.Print("-> ")
		colSuccess.Println("Completed combinations:")
		for _, id := range ids {
			r := mm.Completed[id]
			extra := ""
			if n := r.Retries(); n > 0 {
				extra = fmt.Sprintf(" (%d retries)", n)
			}
			fmt.Printf("  - %s: %s%s\n", colNote.Sprint(id), r.Duration.Round(time.Second), extra)
		}
	}

	if len(mm.Failed) > 0 {
		var ids []string
		for id := range mm.Failed {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		colArrow.Print("-> ")
		colError.Println("Failed combinations:")
		for _, id := range ids {
			r := mm.Failed[id]
			fmt.Printf("  - %-40s: %v\n", id, r.Err)
			for _, s := range r.Stages {
				if s.State == StageFailed && s.Tail != "" {
					fmt.Printf("      %s\n", strings.ReplaceAll(s.Tail, "\n", "\n      "))
				}
			}
		}
	}
}
