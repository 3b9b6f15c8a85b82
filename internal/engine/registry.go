package engine

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/datallboy/fetchq/internal/domain"
)

// transfer is one registry entry. Fields are guarded by the owning Registry's
// mutex; only the executor that registered it advances downloaded.
type transfer struct {
	url        string
	fileName   string
	path       string
	offset     int64 // bytes already on disk when this session started
	downloaded int64
	total      int64
	paused     bool
	resumes    int // bumped on every unpause; a continuation only runs for its own
	startedAt  time.Time

	// stop aborts the in-flight response body (the stream handle)
	stop context.CancelFunc
	// done is closed when the owning streaming loop has exited
	done chan struct{}
}

func (t *transfer) info() domain.TransferInfo {
	return domain.TransferInfo{
		URL:        t.url,
		FileName:   t.fileName,
		Path:       t.path,
		Downloaded: t.downloaded,
		TotalSize:  t.total,
		Paused:     t.paused,
		StartedAt:  t.startedAt,
	}
}

// Registry is the table of in-flight transfers keyed by URL. A second transfer
// for the same URL replaces the entry; the replaced executor stops at its next chunk.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*transfer
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*transfer)}
}

func (r *Registry) register(t *transfer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[t.url] = t
}

// owns reports whether t is still the live, unpaused entry for its URL.
func (r *Registry) owns(t *transfer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[t.url] == t && !t.paused
}

// current reports whether t is still the entry for its URL, paused or not.
func (r *Registry) current(t *transfer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[t.url] == t
}

// advance records n more bytes written and returns the new snapshot.
func (r *Registry) advance(t *transfer, n int64) domain.TransferInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.downloaded += n
	return t.info()
}

// release removes t if it still owns its URL.
func (r *Registry) release(t *transfer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[t.url] == t {
		delete(r.entries, t.url)
	}
}

// pause flags the entry and aborts its stream. Pausing an already paused
// entry is a no-op that reports false.
func (r *Registry) pause(url string) (bool, error) {
	r.mu.Lock()
	t, ok := r.entries[url]
	if !ok {
		r.mu.Unlock()
		return false, domain.ErrTransferNotFound
	}
	if t.paused {
		r.mu.Unlock()
		return false, nil
	}
	t.paused = true
	stop := t.stop
	r.mu.Unlock()

	if stop != nil {
		stop()
	}
	return true, nil
}

// pausedEntry returns the paused entry for url.
func (r *Registry) pausedEntry(url string) (*transfer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.entries[url]
	if !ok {
		return nil, domain.ErrTransferNotFound
	}
	if !t.paused {
		return nil, domain.ErrNotPaused
	}
	return t, nil
}

// unpause clears the paused flag of t so a continuation can take over from
// its recorded offset. It fails if t was canceled or replaced meanwhile. The
// returned generation identifies the continuation allowed to claim t.
func (r *Registry) unpause(t *transfer) (domain.TransferInfo, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.entries[t.url] != t {
		return domain.TransferInfo{}, 0, domain.ErrTransferNotFound
	}
	if !t.paused {
		return domain.TransferInfo{}, 0, domain.ErrNotPaused
	}
	t.paused = false
	t.resumes++
	return t.info(), t.resumes, nil
}

// claim reports whether the continuation of generation gen may still run:
// t is live, unpaused and was not resumed again since.
func (r *Registry) claim(t *transfer, gen int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[t.url] == t && !t.paused && t.resumes == gen
}

// arm hands the stop handle of t to the continuation of generation gen, so
// pause and cancel abort its request before it has an entry of its own.
func (r *Registry) arm(t *transfer, gen int, stop context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[t.url] != t || t.paused || t.resumes != gen {
		return false
	}
	t.stop = stop
	return true
}

// takeOver replaces prev with next only while the continuation of generation
// gen still holds prev.
func (r *Registry) takeOver(prev, next *transfer, gen int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[prev.url] != prev || prev.paused || prev.resumes != gen {
		return false
	}
	r.entries[next.url] = next
	return true
}

// releaseClaim drops t when the continuation of generation gen ended without
// taking it over. A paused or newer claim keeps the entry.
func (r *Registry) releaseClaim(t *transfer, gen int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[t.url] == t && !t.paused && t.resumes == gen {
		delete(r.entries, t.url)
	}
}

// remove deletes the entry and aborts its stream.
func (r *Registry) remove(url string) (*transfer, bool) {
	r.mu.Lock()
	t, ok := r.entries[url]
	var stop context.CancelFunc
	if ok {
		delete(r.entries, url)
		stop = t.stop
	}
	r.mu.Unlock()

	if stop != nil {
		stop()
	}
	return t, ok
}

// Get returns a snapshot of the entry for url.
func (r *Registry) Get(url string) (domain.TransferInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.entries[url]
	if !ok {
		return domain.TransferInfo{}, false
	}
	return t.info(), true
}

// Snapshot returns every entry ordered by start time.
func (r *Registry) Snapshot() []domain.TransferInfo {
	r.mu.Lock()
	out := make([]domain.TransferInfo, 0, len(r.entries))
	for _, t := range r.entries {
		out = append(out, t.info())
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// urls returns the keys whose paused flag equals paused.
func (r *Registry) urls(paused bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for url, t := range r.entries {
		if t.paused == paused {
			out = append(out, url)
		}
	}
	sort.Strings(out)
	return out
}

// all returns every key.
func (r *Registry) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.entries))
	for url := range r.entries {
		out = append(out, url)
	}
	sort.Strings(out)
	return out
}
