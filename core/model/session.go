package model

import (
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionCompleted SessionStatus = "completed"
	SessionCancelled SessionStatus = "cancelled"
	SessionFailed    SessionStatus = "failed"
)

// SessionRecord is what gets persisted for every processed video.
type SessionRecord struct {
	ID                  uuid.UUID     `json:"id"`
	Filename            string        `json:"filename"`
	Checksum            string        `json:"checksum,omitempty"`
	Metadata            VideoMetadata `json:"metadata"`
	FramesForwarded     int64         `json:"frames_forwarded"`
	FramesRecognized    int64         `json:"frames_recognized"`
	RecognitionFailures int64         `json:"recognition_failures"`
	Candidates          int           `json:"candidates"`
	Plate               string        `json:"plate,omitempty"`
	Status              SessionStatus `json:"status"`
	Error               string        `json:"error,omitempty"`
	StartedAt           time.Time     `json:"started_at"`
	FinishedAt          time.Time     `json:"finished_at"`
}

func NewSessionRecord(filename string) SessionRecord {
	return SessionRecord{
		ID:        uuid.New(),
		Filename:  filename,
		StartedAt: time.Now().UTC(),
	}
}

// Predictions returns the record's plate as the list sent to clients:
// empty when no consensus was reached.
func (s *SessionRecord) Predictions() []string {
	if s.Plate == "" {
		return []string{}
	}

	return []string{s.Plate}
}
