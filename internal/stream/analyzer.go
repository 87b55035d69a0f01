package stream

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/gcnstream/internal/alert"
)

// ExecAnalyzer shells out to the planner binary's stats mode to compute the
// 90% credible-region size and mean distance of a skymap.
type ExecAnalyzer struct {
	Bin       string
	NsideFlat int
}

// Analyze writes the skymap to a temp file, runs the analyzer and parses the
// two numbers it prints.
func (e *ExecAnalyzer) Analyze(ctx context.Context, skymap []byte) (alert.SkymapStats, error) {
	var stats alert.SkymapStats

	tmp, err := os.CreateTemp("", "skymap-*.fits")
	if err != nil {
		return stats, fmt.Errorf("failed to create skymap temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(skymap); err != nil {
		tmp.Close()
		return stats, fmt.Errorf("failed to write skymap: %w", err)
	}
	tmp.Close()

	cmd := exec.CommandContext(ctx, e.Bin, "stats",
		"--skymap", tmp.Name(),
		"--nside", fmt.Sprintf("%d", e.NsideFlat))
	out, err := cmd.Output()
	if err != nil {
		return stats, fmt.Errorf("skymap analysis failed: %w", err)
	}

	// Expected output: "<area90_deg2> <mean_distance_mpc>"
	if _, err := fmt.Sscan(strings.TrimSpace(string(out)), &stats.Area90, &stats.MeanDistance); err != nil {
		return stats, fmt.Errorf("unparseable analyzer output %q: %w", strings.TrimSpace(string(out)), err)
	}
	return stats, nil
}
