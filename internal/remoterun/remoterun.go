// Package remoterun drives one detached run on the remote side: restore
// the working directory from its snapshot URL, execute the script,
// stream output through the relay, and finish or fail the build against
// the coordinating server.
package remoterun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ferry-ci/ferry/internal/logrelay"
	"github.com/ferry-ci/ferry/internal/run"
	"github.com/ferry-ci/ferry/internal/scriptexec"
)

// problemWait bounds how long a failing run waits for its build-problem
// report to go out before finishing anyway.
const problemWait = 10 * time.Second

// Retriever pulls a working-directory snapshot to a local destination.
type Retriever interface {
	Retrieve(ctx context.Context, rawURL, dest string) (string, error)
}

// Relay is the reporting surface a run drives.
type Relay interface {
	Start(ctx context.Context)
	Log(text string) *logrelay.Pending
	LogWarning(text string) *logrelay.Pending
	FinishBuild(ctx context.Context) error
	FailBuild(ctx context.Context, problem error, problemID string) *logrelay.Pending
}

// RelayFactory builds the relay for one run's details.
type RelayFactory func(run.Details) (Relay, error)

// NewRelayFactory wires the production relay: an authenticated channel
// client for the run's server plus the batching relay on top.
func NewRelayFactory(interval time.Duration, logger *slog.Logger) RelayFactory {
	return func(d run.Details) (Relay, error) {
		client, err := logrelay.NewClient(logrelay.ClientConfig{
			ServerURL: d.ServerURL,
			BuildID:   d.BuildID,
			Username:  d.Username,
			Password:  d.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("channel client: %w", err)
		}
		relay, err := logrelay.New(client, interval, logger)
		if err != nil {
			return nil, err
		}
		return relay, nil
	}
}

type Runner struct {
	retriever Retriever
	newRelay  RelayFactory
	logger    *slog.Logger
	workRoot  string
}

func New(retriever Retriever, newRelay RelayFactory, logger *slog.Logger) (*Runner, error) {
	if retriever == nil {
		return nil, errors.New("retriever is required")
	}
	if newRelay == nil {
		return nil, errors.New("relay factory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		retriever: retriever,
		newRelay:  newRelay,
		logger:    logger,
		workRoot:  os.TempDir(),
	}, nil
}

// Run executes one detached run to completion and returns the script's
// exit code uninterpreted: deciding what a nonzero code means is the
// scheduling side's concern. Infrastructure failures are reported as a
// build problem before the build is finished, then returned.
func (r *Runner) Run(ctx context.Context, d run.Details) (int, error) {
	if err := d.Validate(); err != nil {
		return 0, err
	}
	if strings.TrimSpace(d.WorkdirURL) == "" {
		return 0, errors.New("workdir url is required")
	}

	relay, err := r.newRelay(d)
	if err != nil {
		return 0, err
	}
	relay.Start(ctx)

	workDir, err := os.MkdirTemp(r.workRoot, "ferry-run-")
	if err != nil {
		return 0, r.fail(ctx, relay, d, fmt.Errorf("create workdir: %w", err))
	}
	defer os.RemoveAll(workDir)

	if _, err := r.retriever.Retrieve(ctx, d.WorkdirURL, workDir); err != nil {
		return 0, r.fail(ctx, relay, d, fmt.Errorf("restore workdir: %w", err))
	}
	r.logger.Info("workdir restored", "build_id", d.BuildID, "workdir", workDir)

	script, err := scriptexec.WriteScript(workDir, d)
	if err != nil {
		return 0, r.fail(ctx, relay, d, err)
	}
	proc, err := scriptexec.Start(scriptexec.Command(workDir, script, d))
	if err != nil {
		return 0, r.fail(ctx, relay, d, err)
	}

	handles := proc.Stream(relay)
	code, err := proc.Wait()
	if err != nil {
		return 0, r.fail(ctx, relay, d, err)
	}
	if code != 0 {
		relay.LogWarning(fmt.Sprintf("process exited with code %d\n", code))
	}
	r.logger.Info("script finished",
		"build_id", d.BuildID,
		"exit_code", code,
		"chunks", len(handles))

	if err := relay.FinishBuild(ctx); err != nil {
		return code, fmt.Errorf("finish build: %w", err)
	}
	return code, nil
}

// fail reports the problem, waits briefly for the report to ship, and
// finishes the build so the server is not left with a hung run. The
// original error always comes back to the caller.
func (r *Runner) fail(ctx context.Context, relay Relay, d run.Details, cause error) error {
	r.logger.Error("run failed", "build_id", d.BuildID, "error", cause)

	p := relay.FailBuild(ctx, cause, "ferry:"+d.BuildID)
	waitCtx, cancel := context.WithTimeout(ctx, problemWait)
	defer cancel()
	if err := p.Wait(waitCtx); err != nil {
		r.logger.Warn("build problem delivery incomplete", "build_id", d.BuildID, "error", err)
	}
	if err := relay.FinishBuild(ctx); err != nil {
		r.logger.Warn("finish after failure incomplete", "build_id", d.BuildID, "error", err)
	}
	return cause
}
