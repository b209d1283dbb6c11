package kurento

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mlipovsky/callbridge/internal/core"
)

// CreatePipeline builds a MediaPipeline on the media server.
func (c *Client) CreatePipeline(ctx context.Context) (core.Pipeline, error) {
	id, err := c.create(ctx, "MediaPipeline", map[string]any{})
	if err != nil {
		return nil, err
	}
	return &pipeline{client: c, id: id}, nil
}

type pipeline struct {
	client *Client
	id     string

	mu        sync.Mutex
	recorders []string
	objects   []string
}

func (p *pipeline) ID() string { return p.id }

// CreateCallEndpoints builds and cross-connects both call legs, each with a
// recorder attached.
func (p *pipeline) CreateCallEndpoints(ctx context.Context, caller, callee string) (core.Endpoint, core.Endpoint, error) {
	callerEp, err := p.newWebRtcEndpoint(ctx)
	if err != nil {
		return nil, nil, err
	}
	calleeEp, err := p.newWebRtcEndpoint(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := p.connect(ctx, callerEp.id, calleeEp.id); err != nil {
		return nil, nil, err
	}
	if err := p.connect(ctx, calleeEp.id, callerEp.id); err != nil {
		return nil, nil, err
	}
	if err := p.attachRecorder(ctx, callerEp.id, caller); err != nil {
		return nil, nil, err
	}
	if err := p.attachRecorder(ctx, calleeEp.id, callee); err != nil {
		return nil, nil, err
	}
	return callerEp, calleeEp, nil
}

// CreatePlayEndpoints builds a PlayerEndpoint over owner's recording wired
// into a fresh WebRtcEndpoint.
func (p *pipeline) CreatePlayEndpoints(ctx context.Context, owner string) (core.PlayerEndpoint, core.Endpoint, error) {
	webRtcEp, err := p.newWebRtcEndpoint(ctx)
	if err != nil {
		return nil, nil, err
	}
	playerID, err := p.client.create(ctx, "PlayerEndpoint", map[string]any{
		"mediaPipeline": p.id,
		"uri":           p.recordingURI(owner),
	})
	if err != nil {
		return nil, nil, err
	}
	p.track(playerID)
	if err := p.connect(ctx, playerID, webRtcEp.id); err != nil {
		return nil, nil, err
	}
	return &player{client: p.client, id: playerID}, webRtcEp, nil
}

// StartRecording starts every recorder attached by CreateCallEndpoints.
func (p *pipeline) StartRecording(ctx context.Context) error {
	p.mu.Lock()
	recorders := append([]string(nil), p.recorders...)
	p.mu.Unlock()
	for _, rec := range recorders {
		if _, err := p.client.invoke(ctx, rec, "record", nil); err != nil {
			return err
		}
	}
	return nil
}

// Release frees the pipeline; the media server releases child objects with
// it. Event subscriptions for those objects are dropped locally.
func (p *pipeline) Release(ctx context.Context) error {
	p.mu.Lock()
	objects := append([]string(nil), p.objects...)
	p.mu.Unlock()
	for _, obj := range objects {
		p.client.forgetObject(obj)
	}
	return p.client.releaseObject(ctx, p.id)
}

func (p *pipeline) newWebRtcEndpoint(ctx context.Context) (*endpoint, error) {
	id, err := p.client.create(ctx, "WebRtcEndpoint", map[string]any{
		"mediaPipeline": p.id,
	})
	if err != nil {
		return nil, err
	}
	p.track(id)
	ep := &endpoint{client: p.client, id: id}
	if err := p.client.subscribe(ctx, id, "OnIceCandidate", ep.deliverCandidate); err != nil {
		return nil, err
	}
	return ep, nil
}

func (p *pipeline) attachRecorder(ctx context.Context, sourceEp, owner string) error {
	recID, err := p.client.create(ctx, "RecorderEndpoint", map[string]any{
		"mediaPipeline": p.id,
		"uri":           p.recordingURI(owner),
	})
	if err != nil {
		return err
	}
	p.track(recID)
	if err := p.connect(ctx, sourceEp, recID); err != nil {
		return err
	}
	p.mu.Lock()
	p.recorders = append(p.recorders, recID)
	p.mu.Unlock()
	return nil
}

func (p *pipeline) connect(ctx context.Context, source, sink string) error {
	_, err := p.client.invoke(ctx, source, "connect", map[string]any{"sink": sink})
	return err
}

func (p *pipeline) track(object string) {
	p.mu.Lock()
	p.objects = append(p.objects, object)
	p.mu.Unlock()
}

func (p *pipeline) recordingURI(owner string) string {
	return p.client.recordingPath + owner + ".webm"
}

type endpoint struct {
	client *Client
	id     string

	mu sync.Mutex
	cb func(webrtc.ICECandidateInit)
}

func (e *endpoint) ProcessOffer(ctx context.Context, sdpOffer string) (string, error) {
	raw, err := e.client.invoke(ctx, e.id, "processOffer", map[string]any{"offer": sdpOffer})
	if err != nil {
		return "", err
	}
	var res struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", err
	}
	return res.Value, nil
}

func (e *endpoint) GatherCandidates(ctx context.Context) error {
	_, err := e.client.invoke(ctx, e.id, "gatherCandidates", nil)
	return err
}

func (e *endpoint) AddCandidate(ctx context.Context, cand webrtc.ICECandidateInit) error {
	_, err := e.client.invoke(ctx, e.id, "addIceCandidate", map[string]any{
		"candidate": toWireCandidate(cand),
	})
	return err
}

func (e *endpoint) OnIceCandidate(cb func(webrtc.ICECandidateInit)) {
	e.mu.Lock()
	e.cb = cb
	e.mu.Unlock()
}

// deliverCandidate handles OnIceCandidate events from the media server.
func (e *endpoint) deliverCandidate(data json.RawMessage) {
	var ev struct {
		Candidate wireCandidate `json:"candidate"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Error().Err(err).Str("module", "kurento").Str("endpoint", e.id).Msg("bad candidate event")
		return
	}
	e.mu.Lock()
	cb := e.cb
	e.mu.Unlock()
	if cb != nil {
		cb(ev.Candidate.toInit())
	}
}

type player struct {
	client *Client
	id     string
}

func (pl *player) Play(ctx context.Context) error {
	_, err := pl.client.invoke(ctx, pl.id, "play", nil)
	return err
}

func (pl *player) OnEndOfStream(cb func()) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	err := pl.client.subscribe(ctx, pl.id, "EndOfStream", func(json.RawMessage) { cb() })
	if err != nil {
		log.Error().Err(err).Str("module", "kurento").Str("player", pl.id).Msg("subscribe EndOfStream")
	}
}

type wireCandidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}

func toWireCandidate(cand webrtc.ICECandidateInit) wireCandidate {
	wc := wireCandidate{Candidate: cand.Candidate}
	if cand.SDPMid != nil {
		wc.SDPMid = *cand.SDPMid
	}
	if cand.SDPMLineIndex != nil {
		wc.SDPMLineIndex = *cand.SDPMLineIndex
	}
	return wc
}

func (wc wireCandidate) toInit() webrtc.ICECandidateInit {
	mid := wc.SDPMid
	idx := wc.SDPMLineIndex
	return webrtc.ICECandidateInit{
		Candidate:     wc.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}
