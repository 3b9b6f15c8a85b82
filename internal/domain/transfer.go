package domain

import "time"

type TransferStatus string

const (
	StatusPending    TransferStatus = "pending"
	StatusSkipped    TransferStatus = "skipped" // destination already present
	StatusRequesting TransferStatus = "requesting"
	StatusStreaming  TransferStatus = "streaming"
	StatusPaused     TransferStatus = "paused"
	StatusCompleted  TransferStatus = "completed"
	StatusCanceled   TransferStatus = "canceled"
	StatusFailed     TransferStatus = "failed"
)

// TransferInfo is a read-only snapshot of one registry entry.
type TransferInfo struct {
	URL        string    `json:"url"`
	FileName   string    `json:"file_name"`
	Path       string    `json:"path"`
	Downloaded int64     `json:"downloaded"`
	TotalSize  int64     `json:"total_size"`
	Paused     bool      `json:"paused"`
	StartedAt  time.Time `json:"started_at"`
}

// Progress returns the completed percentage, or 0 when the total is unknown.
func (t TransferInfo) Progress() float64 {
	if t.TotalSize <= 0 {
		return 0
	}
	return float64(t.Downloaded) / float64(t.TotalSize) * 100
}
