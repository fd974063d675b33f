// Package detach implements the scheduling side of a detached build:
// snapshot the working directory into the blob store, assemble the run
// payload, record the run, and hand the payload to the invoker.
package detach

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ferry-ci/ferry/internal/run"
	"github.com/ferry-ci/ferry/internal/transfer"
)

// Uploader is the slice of the transfer layer Detacher needs.
type Uploader interface {
	Upload(ctx context.Context, dir string) (transfer.Upload, error)
}

// Recorder persists run metadata for later inspection. Implementations
// must tolerate being called once per detach.
type Recorder interface {
	RecordDetached(ctx context.Context, d run.Details, up transfer.Upload) (string, error)
}

type Detacher struct {
	uploader Uploader
	invoker  Invoker
	recorder Recorder
	logger   *slog.Logger
}

// New wires a Detacher. recorder may be nil when no ledger is
// configured; a failing ledger write never blocks the run itself.
func New(uploader Uploader, invoker Invoker, recorder Recorder, logger *slog.Logger) (*Detacher, error) {
	if uploader == nil {
		return nil, errors.New("uploader is required")
	}
	if invoker == nil {
		return nil, errors.New("invoker is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Detacher{uploader: uploader, invoker: invoker, recorder: recorder, logger: logger}, nil
}

// Detach snapshots workDir, completes the run details with the
// snapshot URL, and hands the encoded payload to the invoker.
func (dt *Detacher) Detach(ctx context.Context, workDir string, d run.Details) error {
	if err := d.Validate(); err != nil {
		return err
	}

	up, err := dt.uploader.Upload(ctx, workDir)
	if err != nil {
		return fmt.Errorf("upload workdir: %w", err)
	}
	d.WorkdirURL = up.URL

	payload, err := run.EncodePayload(d)
	if err != nil {
		return err
	}

	if dt.recorder != nil {
		if id, err := dt.recorder.RecordDetached(ctx, d, up); err != nil {
			dt.logger.Warn("run ledger write failed", "build_id", d.BuildID, "error", err)
		} else {
			dt.logger.Info("run recorded", "build_id", d.BuildID, "record_id", id)
		}
	}

	dt.logger.Info("invoking detached run",
		"build_id", d.BuildID,
		"blob_key", up.Key,
		"url_expires_at", up.ExpiresAt,
	)
	return dt.invoker.Invoke(ctx, payload)
}
