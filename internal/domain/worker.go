package domain

import "time"

// WorkerTask is the serializable description of a transfer handed to an
// isolated worker. It carries no pointers back into the parent process.
type WorkerTask struct {
	ID        string            `cbor:"id"`
	URL       string            `cbor:"url"`
	FileName  string            `cbor:"file_name"`
	Folder    string            `cbor:"folder"`
	Overwrite bool              `cbor:"overwrite"`
	Stream    bool              `cbor:"stream"`
	Timeout   time.Duration     `cbor:"timeout"`
	RateLimit int64             `cbor:"rate_limit"`
	Headers   map[string]string `cbor:"headers,omitempty"`
}

// WorkerResult is the single message a worker sends back: either a completion
// message or an error string.
type WorkerResult struct {
	ID      string `cbor:"id"`
	Message string `cbor:"message,omitempty"`
	Bytes   int64  `cbor:"bytes,omitempty"`
	Skipped bool   `cbor:"skipped,omitempty"` // destination already existed
	Error   string `cbor:"error,omitempty"`
}
