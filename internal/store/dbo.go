package store

import (
	"database/sql"
	"time"

	"github.com/datallboy/fetchq/internal/domain"
)

// outcomeDBO maps to the transfer_history table
type outcomeDBO struct {
	ID         int64          `db:"id"`
	URL        string         `db:"url"`
	FileName   string         `db:"file_name"`
	Status     string         `db:"status"`
	Bytes      int64          `db:"bytes"`
	Error      sql.NullString `db:"error"`
	RecordedAt int64          `db:"recorded_at"` // unix milliseconds
}

// Mapper: DBO to Domain Outcome
func (o *outcomeDBO) ToDomain() domain.Outcome {
	return domain.Outcome{
		ID:         o.ID,
		URL:        o.URL,
		FileName:   o.FileName,
		Status:     o.Status,
		Bytes:      o.Bytes,
		Error:      o.Error.String,
		RecordedAt: time.UnixMilli(o.RecordedAt),
	}
}

// Mapper: Domain Outcome to DBO
func (o *outcomeDBO) FromDomain(out domain.Outcome) {
	o.ID = out.ID
	o.URL = out.URL
	o.FileName = out.FileName
	o.Status = out.Status
	o.Bytes = out.Bytes
	o.Error = sql.NullString{String: out.Error, Valid: out.Error != ""}

	if out.RecordedAt.IsZero() {
		o.RecordedAt = time.Now().UnixMilli()
	} else {
		o.RecordedAt = out.RecordedAt.UnixMilli()
	}
}
