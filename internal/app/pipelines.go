package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mlipovsky/callbridge/internal/core"
	"github.com/mlipovsky/callbridge/internal/metrics"
)

// PipelineRegistry tracks which media pipeline a connection currently
// holds. For a call the same handle is stored under both peers' connection
// ids; teardown from either side drops every entry for the handle and
// releases it exactly once.
type PipelineRegistry struct {
	mu        sync.Mutex
	pipelines map[core.ConnID]core.Pipeline
	metrics   *metrics.Metrics
}

func NewPipelineRegistry(m *metrics.Metrics) *PipelineRegistry {
	if m == nil {
		m = metrics.New()
	}
	return &PipelineRegistry{
		pipelines: make(map[core.ConnID]core.Pipeline),
		metrics:   m,
	}
}

// Put stores p for id. A live handle already stored for id is released
// first, never overwritten in place.
func (r *PipelineRegistry) Put(ctx context.Context, id core.ConnID, p core.Pipeline) {
	r.mu.Lock()
	cur, ok := r.pipelines[id]
	if ok && cur.ID() != p.ID() {
		r.dropLocked(cur)
		defer r.release(ctx, cur)
	}
	r.pipelines[id] = p
	r.mu.Unlock()
}

// TakeAndRelease removes and releases the pipeline held by id, if any.
// Every other connection id mapped to the same handle is dropped with it.
// Reports whether a pipeline was found; a second teardown racing on the
// same call finds nothing and no-ops.
func (r *PipelineRegistry) TakeAndRelease(ctx context.Context, id core.ConnID) bool {
	r.mu.Lock()
	p, ok := r.pipelines[id]
	if !ok {
		r.mu.Unlock()
		log.Debug().Str("module", "app.pipelines").Str("conn", string(id)).Msg("no pipeline to release")
		return false
	}
	r.dropLocked(p)
	r.mu.Unlock()

	r.release(ctx, p)
	return true
}

// Active reports how many distinct handles are currently held.
func (r *PipelineRegistry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]struct{}, len(r.pipelines))
	for _, p := range r.pipelines {
		seen[p.ID()] = struct{}{}
	}
	return len(seen)
}

func (r *PipelineRegistry) dropLocked(p core.Pipeline) {
	for id, held := range r.pipelines {
		if held.ID() == p.ID() {
			delete(r.pipelines, id)
		}
	}
}

func (r *PipelineRegistry) release(ctx context.Context, p core.Pipeline) {
	if err := p.Release(ctx); err != nil {
		log.Warn().Err(err).Str("module", "app.pipelines").Str("pipeline", p.ID()).Msg("pipeline release failed")
	}
	r.metrics.PipelinesReleased.Inc()
	r.metrics.PipelinesActive.Dec()
	log.Info().Str("module", "app.pipelines").Str("pipeline", p.ID()).Msg("released pipeline")
}
