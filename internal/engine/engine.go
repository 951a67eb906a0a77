// Package engine drives one packaging job against the remote service,
// persisting progress after every confirmed remote step so a job interrupted
// in one process resumes in the next.
package engine

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/BadgerOps/ijec/internal/archive"
	"github.com/BadgerOps/ijec/internal/config"
	"github.com/BadgerOps/ijec/internal/manifest"
	"github.com/BadgerOps/ijec/internal/remote"
	"github.com/BadgerOps/ijec/internal/session"
	"github.com/BadgerOps/ijec/internal/store"
)

var (
	// ErrChunkRetriesExhausted is returned when one chunk fails more often
	// than the retry budget allows.
	ErrChunkRetriesExhausted = errors.New("chunk upload retries exhausted")

	// ErrPollTimeout is returned when the remote transformation does not
	// finish within the configured poll timeout.
	ErrPollTimeout = errors.New("timed out waiting for remote transformation")
)

// Remote is the set of remote calls a job needs.
type Remote interface {
	GetToken(ctx context.Context) (string, error)
	TokenState(ctx context.Context, token string) error
	CreateUpload(ctx context.Context, token string, plan remote.UploadPlan) error
	UploadChunk(ctx context.Context, token string, index int64, chunk []byte) (int64, error)
	StartEncrypt(ctx context.Context, token string) error
	EncryptState(ctx context.Context, token string) (*remote.State, error)
	Download(ctx context.Context, token string) ([]byte, error)
	End(ctx context.Context, token string) error
}

// Sessions persists job progress.
type Sessions interface {
	Load(appID, entryDir string) *session.Record
	Save(appID, entryDir string, rec *session.Record) error
	Delete(appID, entryDir string) error
}

// History records job runs. It is optional.
type History interface {
	CreateJobRun(run *store.JobRun) error
	UpdateJobRun(run *store.JobRun) error
	AddChunkFailure(f *store.ChunkFailure) error
}

// Progress is reported after every step and every acknowledged chunk.
type Progress struct {
	Step    session.Step
	Percent int   // remote transformation progress, 0-100
	Cursor  int64 // upload bytes acknowledged
	Total   int64 // archive size
}

// ProgressFunc receives progress updates.
type ProgressFunc func(Progress)

// Report summarizes a finished job.
type Report struct {
	Resumed      bool
	ResumedFrom  session.Step
	FileCount    int
	ArchiveSize  int64
	ChunksSent   int
	ChunkRetries int
	FilesWritten []string
	Duration     time.Duration
}

// Engine runs jobs. One engine runs one job at a time.
type Engine struct {
	remote   Remote
	sessions Sessions
	history  History
	logger   *slog.Logger

	chunkSize     int64
	chunkAttempts int
	pollInterval  time.Duration
	pollTimeout   time.Duration
	onProgress    ProgressFunc

	// backoffFunc returns the delay before retrying a chunk. Tests replace it.
	backoffFunc func(attempt int) time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithHistory records every run in h.
func WithHistory(h History) Option {
	return func(e *Engine) { e.history = h }
}

// WithChunkSize sets the upload chunk size in bytes.
func WithChunkSize(n int64) Option {
	return func(e *Engine) {
		if n > 0 {
			e.chunkSize = n
		}
	}
}

// WithChunkAttempts sets how many times one chunk is tried before the job
// fails.
func WithChunkAttempts(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.chunkAttempts = n
		}
	}
}

// WithPollInterval sets the delay between transformation status polls.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) { e.pollInterval = d }
}

// WithPollTimeout bounds the wait for the transformation. Zero waits
// indefinitely.
func WithPollTimeout(d time.Duration) Option {
	return func(e *Engine) { e.pollTimeout = d }
}

// WithProgress installs a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(e *Engine) { e.onProgress = fn }
}

// OptionsFromConfig maps transfer settings onto engine options.
func OptionsFromConfig(cfg config.TransferConfig) []Option {
	return []Option{
		WithChunkSize(cfg.ChunkSize),
		WithChunkAttempts(cfg.ChunkMaxAttempts),
		WithPollInterval(cfg.PollInterval),
		WithPollTimeout(cfg.PollTimeout),
	}
}

// New creates an engine. r authenticates every request with its own app id
// and secret.
func New(r Remote, sessions Sessions, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		remote:        r,
		sessions:      sessions,
		logger:        logger,
		chunkSize:     config.DefaultChunkSize,
		chunkAttempts: 5,
		pollInterval:  2 * time.Second,
		backoffFunc:   calculateBackoffDelay,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// payload is the packaged job content.
type payload struct {
	manifest *manifest.Manifest
	archive  []byte
	hash     string
	hashes   map[string]string
}

// Run executes job to completion. The session record is deleted and the
// token released on success and on failure. When ctx is cancelled the run
// stops without teardown and the record is kept so the next run resumes.
//
// The Remote given to New carries the credentials sent on the wire.
// job.AppID and job.AppSecret only key the session record and history, so
// callers build both from the same values.
func (e *Engine) Run(ctx context.Context, job *config.Job) (*Report, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	start := time.Now()

	p, err := e.prepare(job)
	if err != nil {
		return nil, err
	}

	r := &jobRun{
		engine:  e,
		job:     job,
		payload: p,
		report: &Report{
			FileCount:   p.manifest.Len(),
			ArchiveSize: int64(len(p.archive)),
		},
	}
	r.beginHistory(start)

	rec, resumed, err := e.resume(ctx, job, p)
	if err != nil {
		r.endHistory(store.StatusInterrupted, err)
		return nil, err
	}
	r.rec = rec
	r.report.Resumed = resumed
	if resumed {
		r.report.ResumedFrom = rec.Step
		e.logger.Info("resuming session", "step", rec.Step, "cursor", rec.UploadCursor)
	}

	err = r.drive(ctx)
	r.report.Duration = time.Since(start)

	if err != nil && ctx.Err() != nil {
		e.logger.Warn("job interrupted, session kept for resume", "step", r.rec.Step)
		r.endHistory(store.StatusInterrupted, err)
		return r.report, fmt.Errorf("job interrupted at step %s: %w", r.rec.Step, err)
	}

	e.teardown(ctx, r.rec.Token)
	if delErr := e.sessions.Delete(job.AppID, job.EntryDir); delErr != nil {
		e.logger.Warn("failed to delete session record", "error", delErr)
	}

	if err != nil {
		failedAt := r.rec.Step
		r.rec.Step = session.StepError
		r.endHistory(store.StatusFailed, err)
		return r.report, fmt.Errorf("job failed after step %s: %w", failedAt, err)
	}

	r.endHistory(store.StatusSuccess, nil)
	e.logger.Info("job finished",
		"files_written", len(r.report.FilesWritten),
		"output", job.OutputDir,
		"duration", r.report.Duration.Truncate(time.Millisecond))
	return r.report, nil
}

// prepare builds the manifest and archive and hashes their content.
func (e *Engine) prepare(job *config.Job) (*payload, error) {
	m, err := manifest.Build(manifest.OptionsFromJob(job))
	if err != nil {
		return nil, fmt.Errorf("building manifest: %w", err)
	}
	if m.Len() == 0 {
		return nil, &config.ValidationError{Field: "entry", Reason: "no files matched"}
	}

	hashes, err := manifest.HashFiles(m)
	if err != nil {
		return nil, err
	}

	data, err := archive.BuildFromManifest(m)
	if err != nil {
		return nil, fmt.Errorf("building archive: %w", err)
	}
	sum := sha1.Sum(data)

	e.logger.Info("archive built",
		"files", m.Len(),
		"size", humanize.Bytes(uint64(len(data))),
		"entry", job.EntryDir)

	return &payload{
		manifest: m,
		archive:  data,
		hash:     hex.EncodeToString(sum[:]),
		hashes:   hashes,
	}, nil
}

// resume loads the persisted record and decides whether it can continue.
// It returns a fresh record when it cannot.
func (e *Engine) resume(ctx context.Context, job *config.Job, p *payload) (*session.Record, bool, error) {
	rec := e.sessions.Load(job.AppID, job.EntryDir)

	reason := ""
	switch {
	case rec == nil:
		reason = "no session"
	case rec.Step <= session.StepStart:
		reason = "session not started"
	case rec.Step > session.StepDownloaded:
		reason = "session in unknown state"
	case rec.Token == "":
		reason = "session has no token"
	case !rec.SameFiles(p.hashes):
		reason = "files changed"
	case rec.ArchiveHash != p.hash:
		reason = "archive changed"
	case rec.ChunkSize != 0 && rec.ChunkSize != e.chunkSize:
		reason = "chunk size changed"
	}

	if reason == "" {
		if err := e.remote.TokenState(ctx, rec.Token); err != nil {
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			e.logger.Info("remote session expired", "error", err)
			reason = "token expired"
		}
	}

	if reason != "" {
		if rec != nil {
			e.logger.Info("discarding session", "reason", reason, "step", rec.Step)
			e.teardown(ctx, rec.Token)
		} else {
			e.logger.Debug("starting new session", "reason", reason)
		}
		fresh := session.NewRecord(job.AppID, job.EntryDir)
		fresh.Reset(p.hash, int64(len(p.archive)))
		return fresh, false, nil
	}
	return rec, true, nil
}

// teardown releases token on the server. Failures are logged only.
func (e *Engine) teardown(ctx context.Context, token string) {
	if token == "" {
		return
	}
	if err := e.remote.End(ctx, token); err != nil {
		e.logger.Debug("teardown failed", "error", err)
	}
}
