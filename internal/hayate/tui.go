package hayate

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

type runLog struct {
	path    string
	content string
	stale   bool // not written to recently, safe to delete
}

var (
	tuiApp         *tview.Application
	tuiLogs        []runLog
	tuiActiveIdx   int
	tuiPrevIdx     int
	tuiHeaderBox   *tview.TextView
	tuiLogView     *tview.TextView
	tuiFooterBox   *tview.TextView
	tuiUpdateChan  chan []runLog
	tuiPrevContent map[string]string
	tuiForceScroll bool
)

// runLogViewer shows the per-combination run logs in a scrollable viewer,
// refreshing while builds are in flight. Left/right cycles combinations.
func runLogViewer() int {
	tuiUpdateChan = make(chan []runLog, 10)
	tuiPrevContent = make(map[string]string)
	tuiPrevIdx = -1

	tuiApp = tview.NewApplication()

	tuiHeaderBox = tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false).
		SetTextAlign(tview.AlignLeft)
	tuiHeaderBox.SetBorder(true)
	tuiHeaderBox.SetTitle("hayate Run Log Viewer")

	tuiLogView = tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(false).
		SetScrollable(true).
		SetChangedFunc(func() {
			tuiApp.Draw()
		})
	tuiLogView.SetBorder(true)

	tuiFooterBox = tview.NewTextView().
		SetDynamicColors(true).
		SetWrap(true).
		SetTextAlign(tview.AlignLeft)
	tuiFooterBox.SetBorder(true)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(tuiHeaderBox, 3, 0, false).
		AddItem(tuiLogView, 0, 1, true).
		AddItem(tuiFooterBox, 4, 0, false)

	flex.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyCtrlQ, tcell.KeyEsc:
			tuiApp.Stop()
			return nil
		case tcell.KeyLeft:
			cycleLog(-1)
			return nil
		case tcell.KeyRight:
			cycleLog(1)
			return nil
		case tcell.KeyHome:
			tuiLogView.ScrollToBeginning()
			return nil
		case tcell.KeyEnd:
			tuiLogView.ScrollToEnd()
			return nil
		case tcell.KeyUp:
			row, _ := tuiLogView.GetScrollOffset()
			if row > 0 {
				tuiLogView.ScrollTo(row-1, 0)
			}
			return nil
		case tcell.KeyDown:
			row, _ := tuiLogView.GetScrollOffset()
			tuiLogView.ScrollTo(row+1, 0)
			return nil
		case tcell.KeyPgUp:
			row, _ := tuiLogView.GetScrollOffset()
			if row > 10 {
				tuiLogView.ScrollTo(row-10, 0)
			} else {
				tuiLogView.ScrollToBeginning()
			}
			return nil
		case tcell.KeyPgDn:
			row, _ := tuiLogView.GetScrollOffset()
			tuiLogView.ScrollTo(row+10, 0)
			return nil
		case tcell.KeyRune:
			switch event.Rune() {
			case 'q':
				tuiApp.Stop()
				return nil
			case 'h':
				cycleLog(-1)
				return nil
			case 'l':
				cycleLog(1)
				return nil
			case 'd':
				if tuiActiveIdx < len(tuiLogs) && tuiLogs[tuiActiveIdx].stale {
					os.Remove(tuiLogs[tuiActiveIdx].path)
					go func() {
						tuiUpdateChan <- readRunLogs()
					}()
				}
				return nil
			}
		}
		return event
	})

	go func() {
		ticker := time.NewTicker(400 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			logs := readRunLogs()
			select {
			case tuiUpdateChan <- logs:
			default:
			}
		}
	}()

	go func() {
		for logs := range tuiUpdateChan {
			var currentPath string
			if tuiActiveIdx < len(tuiLogs) {
				currentPath = tuiLogs[tuiActiveIdx].path
			}
			tuiLogs = logs
			if currentPath != "" {
				found := false
				for i, lg := range tuiLogs {
					if lg.path == currentPath {
						tuiActiveIdx = i
						found = true
						break
					}
				}
				if !found && tuiActiveIdx >= len(tuiLogs) && len(tuiLogs) > 0 {
					tuiActiveIdx = len(tuiLogs) - 1
				}
			}
			tuiApp.QueueUpdateDraw(updateLogViewer)
		}
	}()

	tuiApp.SetRoot(flex, true).SetFocus(tuiLogView)

	tuiLogs = readRunLogs()
	if len(tuiLogs) > 0 {
		tuiActiveIdx = 0
	}
	updateLogViewer()

	if err := tuiApp.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "logs:", err)
		return 1
	}
	return 0
}

func cycleLog(delta int) {
	if len(tuiLogs) == 0 {
		return
	}
	tuiActiveIdx = (tuiActiveIdx + delta + len(tuiLogs)) % len(tuiLogs)
	tuiForceScroll = true
	updateLogViewer()
}

func updateLogViewer() {
	if tuiApp == nil || tuiHeaderBox == nil || tuiLogView == nil || tuiFooterBox == nil {
		return
	}

	if len(tuiLogs) == 0 {
		tuiHeaderBox.SetText("[gray]No run logs found[white]")
		tuiLogView.SetText("No run log yet. Start a run with 'hayate run'.")
	} else if tuiActiveIdx < len(tuiLogs) {
		lg := tuiLogs[tuiActiveIdx]
		title := fmt.Sprintf("Run Log %d/%d: %s", tuiActiveIdx+1, len(tuiLogs), lg.path)
		if lg.stale {
			title += " | [red]Press 'd' to delete[white]"
		}
		tuiHeaderBox.SetText(fmt.Sprintf("[gray]%s[white]", title))

		prev, hadPrev := tuiPrevContent[lg.path]
		switched := tuiPrevIdx != tuiActiveIdx
		if switched {
			tuiPrevIdx = tuiActiveIdx
		}
		if lg.content != prev || switched {
			row, _ := tuiLogView.GetScrollOffset()
			tuiLogView.Clear()
			w := tview.ANSIWriter(tuiLogView)
			w.Write([]byte(lg.content))

			if switched || tuiForceScroll {
				tuiLogView.ScrollToEnd()
				tuiForceScroll = false
			} else if hadPrev {
				prevLines := strings.Count(prev, "\n")
				newLines := strings.Count(lg.content, "\n")
				if newLines > prevLines {
					tuiLogView.ScrollTo(row+newLines-prevLines, 0)
				} else {
					tuiLogView.ScrollTo(row, 0)
				}
			}
			tuiPrevContent[lg.path] = lg.content
		}
	}

	footer := []string{
		"Press 'q' or Ctrl+Q to quit",
		"← → (or h/l) to switch runs",
		"↑ ↓ to scroll",
		"Home/End to jump to start/end",
	}
	if len(tuiLogs) > 0 && tuiActiveIdx < len(tuiLogs) && tuiLogs[tuiActiveIdx].stale {
		footer = append(footer, "'d' to delete")
	}
	tuiFooterBox.SetText(fmt.Sprintf("[gray]%s[white]", strings.Join(footer, " | ")))
}

// readRunLogs collects the per-combination logs, newest first.
func readRunLogs() []runLog {
	paths, _ := filepath.Glob(filepath.Join(LogDir, "*.log"))
	if len(paths) == 0 {
		return nil
	}

	sort.Slice(paths, func(i, j int) bool {
		ai, err1 := os.Stat(paths[i])
		aj, err2 := os.Stat(paths[j])
		if err1 != nil || err2 != nil {
			return paths[i] > paths[j]
		}
		return ai.ModTime().After(aj.ModTime())
	})

	logs := make([]runLog, 0, len(paths))
	for _, path := range paths {
		b, err := os.ReadFile(path)
		content := string(b)
		if err != nil {
			content = fmt.Sprintf("failed to read log: %v", err)
		}
		stale := false
		if info, err := os.Stat(path); err == nil {
			stale = time.Since(info.ModTime()) >= 5*time.Minute
		}
		logs = append(logs, runLog{path: path, content: content, stale: stale})
	}
	return logs
}
