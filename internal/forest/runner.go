package forest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/openphenome/forest-backend-go/internal/models"
)

// TreeRunner executes one tree's analysis over a prepared workspace. The
// parameter map has already been fully assembled; a runner must not add or
// reinterpret keys.
type TreeRunner interface {
	RunJasmine(ctx context.Context, ws *Workspace, params map[string]any) error
	RunOak(ctx context.Context, ws *Workspace, params map[string]any) error
	RunSycamore(ctx context.Context, ws *Workspace, params map[string]any) error
	RunWillow(ctx context.Context, ws *Workspace, params map[string]any) error
}

// RunTree dispatches to the runner method for the task's tree.
func RunTree(ctx context.Context, runner TreeRunner, task *models.ForestTask, ws *Workspace, params map[string]any) error {
	switch task.ForestTree {
	case models.TreeJasmine:
		return runner.RunJasmine(ctx, ws, params)
	case models.TreeOak:
		return runner.RunOak(ctx, ws, params)
	case models.TreeSycamore:
		return runner.RunSycamore(ctx, ws, params)
	case models.TreeWillow:
		return runner.RunWillow(ctx, ws, params)
	}
	return fmt.Errorf("unknown forest tree: %s", task.ForestTree)
}

// ExternalRunner invokes the analysis routines as a subprocess. The
// parameter map is written to a JSON file in the workspace and the runner
// script is called with the tree name and that file's path; everything
// else it needs is in the parameters.
type ExternalRunner struct {
	// Bin is the interpreter or binary, e.g. "python".
	Bin string
	// Script is the runner entry point path.
	Script string
	// Timeout bounds one tree invocation. Zero means no bound beyond the
	// caller's context.
	Timeout time.Duration
}

func (r *ExternalRunner) run(ctx context.Context, tree models.ForestTree, ws *Workspace, params map[string]any) error {
	blob, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to serialize %s parameters: %w", tree, err)
	}
	if err := os.WriteFile(ws.ParamsFilePath(), blob, 0o644); err != nil {
		return fmt.Errorf("failed to write parameter file: %w", err)
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, r.Bin, r.Script, string(tree), ws.ParamsFilePath())
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s runner failed: %w, output: %s", tree, err, string(output))
	}
	return nil
}

func (r *ExternalRunner) RunJasmine(ctx context.Context, ws *Workspace, params map[string]any) error {
	return r.run(ctx, models.TreeJasmine, ws, params)
}

func (r *ExternalRunner) RunOak(ctx context.Context, ws *Workspace, params map[string]any) error {
	return r.run(ctx, models.TreeOak, ws, params)
}

func (r *ExternalRunner) RunSycamore(ctx context.Context, ws *Workspace, params map[string]any) error {
	return r.run(ctx, models.TreeSycamore, ws, params)
}

func (r *ExternalRunner) RunWillow(ctx context.Context, ws *Workspace, params map[string]any) error {
	return r.run(ctx, models.TreeWillow, ws, params)
}
