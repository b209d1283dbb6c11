package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

// MediaController is the external media server. The core never touches
// media itself; it only creates pipelines and drives negotiation through
// these handles.
type MediaController interface {
	CreatePipeline(ctx context.Context) (Pipeline, error)
}

// Pipeline is one media-processing graph on the external server.
type Pipeline interface {
	ID() string
	// CreateCallEndpoints builds both sides of a call inside the pipeline,
	// wired together, with recording set up for caller and callee.
	CreateCallEndpoints(ctx context.Context, caller, callee string) (callerEp, calleeEp Endpoint, err error)
	// CreatePlayEndpoints builds a player reading owner's recording plus the
	// WebRTC endpoint it streams into.
	CreatePlayEndpoints(ctx context.Context, owner string) (PlayerEndpoint, Endpoint, error)
	// StartRecording starts the recorders attached by CreateCallEndpoints.
	StartRecording(ctx context.Context) error
	Release(ctx context.Context) error
}

// Endpoint is one participant's WebRTC leg inside a pipeline.
type Endpoint interface {
	// ProcessOffer negotiates the remote offer and returns the SDP answer.
	ProcessOffer(ctx context.Context, sdpOffer string) (string, error)
	GatherCandidates(ctx context.Context) error
	AddCandidate(ctx context.Context, cand webrtc.ICECandidateInit) error
	// OnIceCandidate sets a callback for candidates gathered on the media
	// server. Must be set before GatherCandidates.
	OnIceCandidate(func(webrtc.ICECandidateInit))
}

// PlayerEndpoint reads a recording into a play pipeline.
type PlayerEndpoint interface {
	Play(ctx context.Context) error
	// OnEndOfStream sets a callback for the recording running out.
	OnEndOfStream(func())
}
