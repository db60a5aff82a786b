// Package winners keeps the bounded list of recent round winners shown to
// players between rounds. It is the only round outcome that outlives a round.
package winners

import (
	"context"
	"sync"
	"time"

	"github.com/ludogames/bingohall/internal/bingo"
)

// Winner records one round result.
type Winner struct {
	Identity string     `json:"identity"`
	Nickname string     `json:"nickname"`
	Card     bingo.Grid `json:"card"`
	WonAt    time.Time  `json:"wonAt"`
}

// Recorder stores winners and serves the recent list.
type Recorder interface {
	Record(ctx context.Context, w Winner) error
	Recent(ctx context.Context, limit int) ([]Winner, error)
}

// MemoryRecorder is a fixed-capacity ring, newest first.
type MemoryRecorder struct {
	mu   sync.Mutex
	cap  int
	ring []Winner
}

// NewMemoryRecorder creates a recorder that retains the last capacity wins.
func NewMemoryRecorder(capacity int) *MemoryRecorder {
	return &MemoryRecorder{cap: capacity}
}

func (r *MemoryRecorder) Record(ctx context.Context, w Winner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ring = append([]Winner{w}, r.ring...)
	if len(r.ring) > r.cap {
		r.ring = r.ring[:r.cap]
	}
	return nil
}

func (r *MemoryRecorder) Recent(ctx context.Context, limit int) ([]Winner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit > len(r.ring) {
		limit = len(r.ring)
	}
	return append([]Winner(nil), r.ring[:limit]...), nil
}
