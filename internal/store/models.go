package store

import "time"

// Job run statuses.
const (
	StatusRunning     = "running"
	StatusSuccess     = "success"
	StatusFailed      = "failed"
	StatusInterrupted = "interrupted"
)

// JobRun records one invocation of the transfer engine
type JobRun struct {
	ID            int64
	AppID         string
	EntryDir      string
	OutputDir     string
	StartTime     time.Time
	EndTime       time.Time
	Resumed       bool
	ResumedFrom   string // step the run resumed from, empty for new jobs
	FinalStep     string
	FileCount     int
	ArchiveSize   int64
	BytesUploaded int64
	ChunkRetries  int
	FilesWritten  int
	Status        string // "running", "success", "failed", "interrupted"
	ErrorMessage  string
}

// ChunkFailure records one failed chunk upload attempt
type ChunkFailure struct {
	ID         int64
	JobRunID   int64
	Cursor     int64
	ChunkIndex int64
	Attempt    int
	Error      string
	OccurredAt time.Time
}
