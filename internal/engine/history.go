package engine

import (
	"time"

	"github.com/BadgerOps/ijec/internal/store"
)

// History write failures never fail a job; they are logged and the run
// continues.

func (r *jobRun) beginHistory(start time.Time) {
	if r.engine.history == nil {
		return
	}
	run := &store.JobRun{
		AppID:       r.job.AppID,
		EntryDir:    r.job.EntryDir,
		OutputDir:   r.job.OutputDir,
		StartTime:   start,
		FileCount:   r.report.FileCount,
		ArchiveSize: r.report.ArchiveSize,
		Status:      store.StatusRunning,
	}
	if err := r.engine.history.CreateJobRun(run); err != nil {
		r.engine.logger.Warn("failed to record job run", "error", err)
		return
	}
	r.history = run
}

func (r *jobRun) endHistory(status string, runErr error) {
	if r.history == nil {
		return
	}
	h := r.history
	h.EndTime = time.Now()
	h.Status = status
	h.Resumed = r.report.Resumed
	if r.report.Resumed {
		h.ResumedFrom = r.report.ResumedFrom.String()
	}
	if r.rec != nil {
		h.FinalStep = r.rec.Step.String()
	}
	h.ChunkRetries = r.report.ChunkRetries
	h.FilesWritten = len(r.report.FilesWritten)
	if runErr != nil {
		h.ErrorMessage = runErr.Error()
	}
	if err := r.engine.history.UpdateJobRun(h); err != nil {
		r.engine.logger.Warn("failed to update job run", "id", h.ID, "error", err)
	}
}

func (r *jobRun) addUploaded(n int64) {
	if r.history != nil {
		r.history.BytesUploaded += n
	}
}

func (r *jobRun) recordChunkFailure(cursor, index int64, attempt int, chunkErr error) {
	if r.history == nil {
		return
	}
	f := &store.ChunkFailure{
		JobRunID:   r.history.ID,
		Cursor:     cursor,
		ChunkIndex: index,
		Attempt:    attempt,
		Error:      chunkErr.Error(),
		OccurredAt: time.Now(),
	}
	if err := r.engine.history.AddChunkFailure(f); err != nil {
		r.engine.logger.Warn("failed to record chunk failure", "error", err)
	}
}
