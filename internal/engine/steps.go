package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/BadgerOps/ijec/internal/archive"
	"github.com/BadgerOps/ijec/internal/config"
	"github.com/BadgerOps/ijec/internal/remote"
	"github.com/BadgerOps/ijec/internal/session"
	"github.com/BadgerOps/ijec/internal/store"
)

// jobRun holds the state of one Run call.
type jobRun struct {
	engine  *Engine
	job     *config.Job
	payload *payload
	rec     *session.Record
	report  *Report
	history *store.JobRun
}

// drive advances the record one confirmed step at a time until the result
// has been written.
func (r *jobRun) drive(ctx context.Context) error {
	for r.rec.Step < session.StepDownloaded {
		step := r.rec.Step

		var err error
		switch step {
		case session.StepStart:
			err = r.obtainToken(ctx)
		case session.StepToken:
			err = r.createUpload(ctx)
		case session.StepCreateHash:
			err = r.upload(ctx)
		case session.StepUploaded:
			err = r.startEncrypt(ctx)
		case session.StepEncryptStart:
			err = r.waitForResult(ctx)
		case session.StepFinish:
			err = r.downloadResult(ctx)
		default:
			err = fmt.Errorf("unexpected step %s", step)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// advance records step as confirmed. The record is on disk before any
// later remote call is made.
func (r *jobRun) advance(step session.Step) error {
	r.rec.Step = step
	if err := r.save(); err != nil {
		return err
	}
	r.engine.logger.Debug("step confirmed", "step", step)
	r.progress(0)
	return nil
}

func (r *jobRun) save() error {
	if err := r.engine.sessions.Save(r.job.AppID, r.job.EntryDir, r.rec); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	return nil
}

func (r *jobRun) progress(percent int) {
	if r.engine.onProgress == nil {
		return
	}
	r.engine.onProgress(Progress{
		Step:    r.rec.Step,
		Percent: percent,
		Cursor:  r.rec.UploadCursor,
		Total:   r.rec.ArchiveSize,
	})
}

func (r *jobRun) obtainToken(ctx context.Context) error {
	r.rec.Reset(r.payload.hash, int64(len(r.payload.archive)))

	token, err := r.engine.remote.GetToken(ctx)
	if err != nil {
		return fmt.Errorf("requesting token: %w", err)
	}
	r.rec.Token = token
	r.rec.PerFileHash = r.payload.hashes
	r.rec.ChunkSize = r.engine.chunkSize
	return r.advance(session.StepToken)
}

func (r *jobRun) createUpload(ctx context.Context) error {
	size := int64(len(r.payload.archive))
	plan := remote.UploadPlan{
		Hash:      r.rec.ArchiveHash,
		Size:      size,
		ChunkSize: r.engine.chunkSize,
		Total:     (size + r.engine.chunkSize - 1) / r.engine.chunkSize,
	}
	if err := r.engine.remote.CreateUpload(ctx, r.rec.Token, plan); err != nil {
		return fmt.Errorf("creating upload: %w", err)
	}
	return r.advance(session.StepCreateHash)
}

func (r *jobRun) startEncrypt(ctx context.Context) error {
	if err := r.engine.remote.StartEncrypt(ctx, r.rec.Token); err != nil {
		return fmt.Errorf("starting transformation: %w", err)
	}
	return r.advance(session.StepEncryptStart)
}

// waitForResult polls until the server reports the transformation done.
func (r *jobRun) waitForResult(ctx context.Context) error {
	started := time.Now()
	for {
		if err := sleep(ctx, r.engine.pollInterval); err != nil {
			return err
		}

		state, err := r.engine.remote.EncryptState(ctx, r.rec.Token)
		if err != nil {
			return fmt.Errorf("polling transformation: %w", err)
		}
		r.engine.logger.Info("encrypt progress", "process", state.Process, "finish", state.Finish)
		r.progress(state.Process)

		if state.Finish {
			return r.advance(session.StepFinish)
		}
		if r.engine.pollTimeout > 0 && time.Since(started) >= r.engine.pollTimeout {
			return fmt.Errorf("%w after %s at %d%%", ErrPollTimeout, r.engine.pollTimeout, state.Process)
		}
	}
}

func (r *jobRun) downloadResult(ctx context.Context) error {
	r.engine.logger.Info("downloading result")
	data, err := r.engine.remote.Download(ctx, r.rec.Token)
	if err != nil {
		return fmt.Errorf("downloading result: %w", err)
	}

	written, err := archive.Extract(data, r.job.OutputDir)
	if err != nil {
		return fmt.Errorf("extracting result: %w", err)
	}
	r.report.FilesWritten = written
	return r.advance(session.StepDownloaded)
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
