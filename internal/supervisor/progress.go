package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// frameLinePattern matches "Frame N (current/total) ..." lines emitted
// by the external renderer at process end, one per rendered frame.
var frameLinePattern = regexp.MustCompile(`^Frame\s+(\d+)\s*\((\d+)/(\d+)\)`)

// frameProgress is parsed from one "Frame N (current/total)" line.
type frameProgress struct {
	frame, current, total int
}

// parseFrameLine returns the parsed progress and true if line is a
// per-frame progress line, or zero value and false otherwise.
func parseFrameLine(line string) (frameProgress, bool) {
	m := frameLinePattern.FindStringSubmatch(line)
	if m == nil {
		return frameProgress{}, false
	}
	frame, _ := strconv.Atoi(m[1])
	current, _ := strconv.Atoi(m[2])
	total, _ := strconv.Atoi(m[3])
	return frameProgress{frame: frame, current: current, total: total}, true
}

// isDoneMarker reports whether line is the advisory completion marker.
// This is never the authoritative completion signal — the process exit
// code is — but it lets the stdout reader emit one summary line instead
// of forwarding the batch of per-frame lines the tool prints at exit.
func isDoneMarker(line string) bool {
	return strings.TrimSpace(line) == "Done!"
}

// isNoise filters internal debug chatter the tool emits that carries no
// progress information and would otherwise spam the log sink.
func isNoise(line string) bool {
	for _, token := range []string{"[debug]", "[trace]", "MohoLog:"} {
		if strings.Contains(line, token) {
			return true
		}
	}
	return false
}

// imageSequenceProgress implements the file-count heuristic for
// image-sequence output formats: count files named <stem>_<NNNNN><ext>
// directly under outputDir and in its immediate subdirectories, divide
// by the expected total, cap at 99%. The cap matters because the count
// can reach the expected total before the tool has finished writing the
// last frame's file to disk.
func imageSequenceProgress(outputDir, stem, ext string, framesPerComp int) float64 {
	if framesPerComp <= 0 {
		return 0
	}
	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(stem) + `_\d{5}` + regexp.QuoteMeta(ext) + `$`)

	count := 0
	subdirsWithFiles := 0
	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return 0
	}
	for _, e := range entries {
		if e.IsDir() {
			sub := filepath.Join(outputDir, e.Name())
			subEntries, err := os.ReadDir(sub)
			if err != nil {
				continue
			}
			found := false
			for _, se := range subEntries {
				if !se.IsDir() && pattern.MatchString(se.Name()) {
					count++
					found = true
				}
			}
			if found {
				subdirsWithFiles++
			}
			continue
		}
		if pattern.MatchString(e.Name()) {
			count++
		}
	}

	denom := float64(framesPerComp) * float64(max(subdirsWithFiles, 1))
	if denom <= 0 {
		return 0
	}
	progress := float64(count) / denom * 100
	if progress > 99 {
		progress = 99
	}
	return progress
}

// videoFileProgress implements the asymptotic time-based heuristic for
// video-file output formats: grows toward 90% over time but never
// reaches it, since the final size is unknown until the process exits.
func videoFileProgress(firstDetected time.Time) float64 {
	t := time.Since(firstDetected).Seconds()
	progress := 90 * t / (t + 120)
	if progress > 90 {
		progress = 90
	}
	return progress
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// heartbeatLine formats the periodic status summary the file-monitor
// emits every 5 seconds.
func heartbeatLine(elapsed time.Duration, progress float64) string {
	return fmt.Sprintf("[heartbeat] elapsed=%s progress=%.1f%%", elapsed.Round(time.Second), progress)
}
