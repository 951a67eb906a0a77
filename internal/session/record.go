package session

import (
	"fmt"
	"time"
)

// Step names the last remote call that has been durably confirmed for a job.
// Steps are ordered; a job only moves forward except for a reset to
// StepStart when a persisted session can no longer be resumed.
type Step int

const (
	StepStart Step = iota
	StepToken
	StepCreateHash
	StepUploaded
	StepEncryptStart
	StepFinish
	StepDownloaded
	// StepError marks a job that failed; it is never persisted.
	StepError
)

var stepNames = map[Step]string{
	StepStart:        "START",
	StepToken:        "TOKEN",
	StepCreateHash:   "CREATE_HASH",
	StepUploaded:     "UPLOADED",
	StepEncryptStart: "ENCRYPT_START",
	StepFinish:       "FINISH",
	StepDownloaded:   "DOWNLOADED",
	StepError:        "ERROR",
}

func (s Step) String() string {
	if name, ok := stepNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Step(%d)", int(s))
}

// MarshalText encodes the step by name so records stay readable.
func (s Step) MarshalText() ([]byte, error) {
	name, ok := stepNames[s]
	if !ok {
		return nil, fmt.Errorf("unknown step %d", int(s))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a step name.
func (s *Step) UnmarshalText(b []byte) error {
	step, err := ParseStep(string(b))
	if err != nil {
		return err
	}
	*s = step
	return nil
}

// ParseStep returns the step with the given name.
func ParseStep(name string) (Step, error) {
	for step, n := range stepNames {
		if n == name {
			return step, nil
		}
	}
	return StepError, fmt.Errorf("unknown step %q", name)
}

// Record is the persisted progress of one job.
type Record struct {
	Step         Step              `json:"step"`
	Token        string            `json:"token,omitempty"`
	ArchiveHash  string            `json:"archiveHash"`
	ArchiveSize  int64             `json:"archiveSize"`
	PerFileHash  map[string]string `json:"perFileHash"`
	UploadCursor int64             `json:"uploadCursor"`
	ChunkSize    int64             `json:"chunkSize,omitempty"`

	AppID     string    `json:"appId"`
	EntryDir  string    `json:"entryDir"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewRecord returns an empty record at StepStart.
func NewRecord(appID, entryDir string) *Record {
	return &Record{
		Step:        StepStart,
		PerFileHash: make(map[string]string),
		AppID:       appID,
		EntryDir:    entryDir,
	}
}

// Reset discards remote progress and starts over with a fresh archive.
func (r *Record) Reset(archiveHash string, archiveSize int64) {
	r.Step = StepStart
	r.Token = ""
	r.ArchiveHash = archiveHash
	r.ArchiveSize = archiveSize
	r.UploadCursor = 0
	r.ChunkSize = 0
	r.PerFileHash = make(map[string]string)
}

// SameFiles reports whether hashes matches the recorded per-file hashes
// exactly: same file set, same content.
func (r *Record) SameFiles(hashes map[string]string) bool {
	if len(r.PerFileHash) != len(hashes) {
		return false
	}
	for path, sum := range hashes {
		if r.PerFileHash[path] != sum {
			return false
		}
	}
	return true
}
