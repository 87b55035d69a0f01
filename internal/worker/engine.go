package worker

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/gcnstream/internal/logging"
)

// PlanRequest describes one observation-plan computation.
type PlanRequest struct {
	NoticePath string
	Telescopes []string
	Tiles      []int
	Strategy   string
	NsideFlat  int
	OutputDir  string
}

// PlanResult points at the artifacts the engine produced under OutputDir.
type PlanResult struct {
	OutputDir   string
	CoverageMap string
	TilesFiles  []string
}

// Engine computes observation plans. The scientific content is external; the
// pipeline only launches it and ships its artifacts.
type Engine interface {
	GeneratePlan(ctx context.Context, req PlanRequest) (*PlanResult, error)
}

// ExecEngine runs the configured planner binary, one invocation per telescope
// group.
type ExecEngine struct {
	Bin               string
	PathGalaxyCatalog string
	GalaxyCatalog     string
	log               zerolog.Logger
}

// NewExecEngine creates an engine around the planner binary.
func NewExecEngine(bin, pathGalaxyCatalog, galaxyCatalog string) *ExecEngine {
	return &ExecEngine{
		Bin:               bin,
		PathGalaxyCatalog: pathGalaxyCatalog,
		GalaxyCatalog:     galaxyCatalog,
		log:               logging.Component("plan-engine"),
	}
}

// GeneratePlan invokes the planner and collects its artifacts.
func (e *ExecEngine) GeneratePlan(ctx context.Context, req PlanRequest) (*PlanResult, error) {
	tiles := make([]string, len(req.Tiles))
	for i, n := range req.Tiles {
		tiles[i] = strconv.Itoa(n)
	}

	args := []string{
		"--notice", req.NoticePath,
		"--telescopes", strings.Join(req.Telescopes, ","),
		"--tiles", strings.Join(tiles, ","),
		"--nside", strconv.Itoa(req.NsideFlat),
		"--strategy", req.Strategy,
		"--output", req.OutputDir,
	}
	if e.PathGalaxyCatalog != "" {
		args = append(args, "--galaxy-catalog-path", e.PathGalaxyCatalog,
			"--galaxy-catalog", e.GalaxyCatalog)
	}

	cmd := exec.CommandContext(ctx, e.Bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		e.log.Error().Err(err).Str("output", string(out)).
			Strs("telescopes", req.Telescopes).Msg("planner run failed")
		return nil, fmt.Errorf("planner %s failed: %w", e.Bin, err)
	}

	result := &PlanResult{OutputDir: req.OutputDir}
	result.TilesFiles, _ = filepath.Glob(filepath.Join(req.OutputDir, "tiles_*.dat"))
	if maps, _ := filepath.Glob(filepath.Join(req.OutputDir, "coverage_*.png")); len(maps) > 0 {
		result.CoverageMap = maps[0]
	}
	return result, nil
}
