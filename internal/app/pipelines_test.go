package app

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mlipovsky/callbridge/internal/core"
	"github.com/mlipovsky/callbridge/internal/metrics"
)

type countingPipeline struct {
	id       string
	released atomic.Int32
}

func (p *countingPipeline) ID() string { return p.id }
func (p *countingPipeline) CreateCallEndpoints(context.Context, string, string) (core.Endpoint, core.Endpoint, error) {
	return nil, nil, nil
}
func (p *countingPipeline) CreatePlayEndpoints(context.Context, string) (core.PlayerEndpoint, core.Endpoint, error) {
	return nil, nil, nil
}
func (p *countingPipeline) StartRecording(context.Context) error { return nil }
func (p *countingPipeline) Release(context.Context) error {
	p.released.Add(1)
	return nil
}

func TestPipelineRegistry_TakeAndReleaseDropsBothEntries(t *testing.T) {
	r := NewPipelineRegistry(metrics.New())
	p := &countingPipeline{id: "pipe-1"}

	// a call registers one handle under both connection ids
	r.Put(context.Background(), "conn-a", p)
	r.Put(context.Background(), "conn-b", p)
	require.Equal(t, 1, r.Active())

	require.True(t, r.TakeAndRelease(context.Background(), "conn-a"))
	assert.Equal(t, int32(1), p.released.Load())
	assert.Equal(t, 0, r.Active())

	// the peer's teardown finds nothing left
	assert.False(t, r.TakeAndRelease(context.Background(), "conn-b"))
	assert.Equal(t, int32(1), p.released.Load())
}

func TestPipelineRegistry_TakeAndReleaseUnknownIsNoop(t *testing.T) {
	r := NewPipelineRegistry(metrics.New())
	assert.False(t, r.TakeAndRelease(context.Background(), "nope"))
}

func TestPipelineRegistry_PutReleasesExistingHandle(t *testing.T) {
	r := NewPipelineRegistry(metrics.New())
	old := &countingPipeline{id: "pipe-old"}
	fresh := &countingPipeline{id: "pipe-new"}

	r.Put(context.Background(), "conn-a", old)
	r.Put(context.Background(), "conn-a", fresh)

	assert.Equal(t, int32(1), old.released.Load(), "stale handle must be released, not overwritten")
	assert.Equal(t, int32(0), fresh.released.Load())
	require.True(t, r.TakeAndRelease(context.Background(), "conn-a"))
	assert.Equal(t, int32(1), fresh.released.Load())
}

func TestPipelineRegistry_PutSameHandleTwiceDoesNotRelease(t *testing.T) {
	r := NewPipelineRegistry(metrics.New())
	p := &countingPipeline{id: "pipe-1"}

	r.Put(context.Background(), "conn-a", p)
	r.Put(context.Background(), "conn-a", p)
	assert.Equal(t, int32(0), p.released.Load())
}

func TestPipelineRegistry_ConcurrentTeardownReleasesOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		r := NewPipelineRegistry(metrics.New())
		p := &countingPipeline{id: "pipe-1"}
		r.Put(context.Background(), "conn-a", p)
		r.Put(context.Background(), "conn-b", p)

		// stop from one peer racing a disconnect from the other
		var wg sync.WaitGroup
		for _, id := range []core.ConnID{"conn-a", "conn-b", "conn-a"} {
			wg.Add(1)
			go func(id core.ConnID) {
				defer wg.Done()
				r.TakeAndRelease(context.Background(), id)
			}(id)
		}
		wg.Wait()

		require.Equal(t, int32(1), p.released.Load())
	}
}
