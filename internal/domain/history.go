package domain

import "time"

// Outcome is one terminal result recorded in the download history.
type Outcome struct {
	ID         int64     `json:"id"`
	URL        string    `json:"url"`
	FileName   string    `json:"file_name"`
	Status     string    `json:"status"`
	Bytes      int64     `json:"bytes"`
	Error      string    `json:"error,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}
