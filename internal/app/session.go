package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v4"

	"github.com/mlipovsky/callbridge/internal/core"
	"github.com/mlipovsky/callbridge/internal/domain"
)

// Call states of one participant.
const (
	StateIdle           = "idle"
	StateAwaitingAnswer = "awaiting_answer"
	StateRinging        = "ringing"
	StateInCall         = "in_call"
	StatePlaying        = "playing"
)

// UserSession is the server-side state of one registered participant.
// Name and connection id are immutable; everything else changes as calls
// come and go and is guarded by mu.
type UserSession struct {
	name   string
	connID core.ConnID
	conn   core.SignalConnection

	mu          sync.Mutex
	state       *fsm.FSM
	callingTo   string
	callingFrom string
	sdpOffer    string

	callEndpoint core.Endpoint
	playEndpoint core.Endpoint

	// Candidates that arrived before any endpoint existed. Flushed in order
	// on the first endpoint assignment, then never used again.
	pending []webrtc.ICECandidateInit
}

func NewUserSession(name string, connID core.ConnID, conn core.SignalConnection) *UserSession {
	return &UserSession{
		name:   name,
		connID: connID,
		conn:   conn,
		state: fsm.NewFSM(
			StateIdle,
			fsm.Events{
				{Name: "dial", Src: []string{StateIdle}, Dst: StateAwaitingAnswer},
				{Name: "ring", Src: []string{StateIdle}, Dst: StateRinging},
				{Name: "connect", Src: []string{StateAwaitingAnswer, StateRinging}, Dst: StateInCall},
				{Name: "start_play", Src: []string{StateIdle}, Dst: StatePlaying},
				{Name: "hangup", Src: []string{StateAwaitingAnswer, StateRinging, StateInCall, StatePlaying}, Dst: StateIdle},
			},
			fsm.Callbacks{},
		),
	}
}

func (s *UserSession) Name() string        { return s.name }
func (s *UserSession) ConnID() core.ConnID { return s.connID }

func (s *UserSession) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Current()
}

// Send serializes v and enqueues it on the connection's write pump.
func (s *UserSession) Send(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := s.conn.TrySend(core.Frame(b)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrTransport, err)
	}
	return nil
}

// Dial marks this session as the caller of an outgoing call.
func (s *UserSession) Dial(to, sdpOffer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.state.Event(context.Background(), "dial"); err != nil {
		return err
	}
	s.callingTo = to
	s.sdpOffer = sdpOffer
	return nil
}

// Ring marks this session as the callee of an incoming call.
func (s *UserSession) Ring(from string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.state.Event(context.Background(), "ring"); err != nil {
		return err
	}
	s.callingFrom = from
	return nil
}

func (s *UserSession) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Event(context.Background(), "connect")
}

func (s *UserSession) StartPlaying() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Event(context.Background(), "start_play")
}

// Reset clears call linkage, negotiation leftovers and endpoints, returning
// the session to idle. Safe to call from both peers racing on the same
// teardown; resetting an idle session is a no-op.
func (s *UserSession) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callingTo = ""
	s.callingFrom = ""
	s.sdpOffer = ""
	s.callEndpoint = nil
	s.playEndpoint = nil
	// candidates buffered for a dead attempt must never reach the next
	// negotiation's endpoint
	s.pending = nil
	if !s.state.Is(StateIdle) {
		// hangup is defined from every non-idle state
		_ = s.state.Event(context.Background(), "hangup")
	}
}

// PeerName resolves the other side of the current call, whichever role this
// session holds. Empty when not paired.
func (s *UserSession) PeerName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.callingFrom != "" {
		return s.callingFrom
	}
	return s.callingTo
}

func (s *UserSession) CallingTo() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callingTo
}

func (s *UserSession) CallingFrom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callingFrom
}

func (s *UserSession) SdpOffer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sdpOffer
}

// AddCandidate forwards cand to the session's current endpoint, or buffers
// it in arrival order while no endpoint exists yet.
func (s *UserSession) AddCandidate(ctx context.Context, cand webrtc.ICECandidateInit) error {
	s.mu.Lock()
	ep := s.currentEndpointLocked()
	if ep == nil {
		s.pending = append(s.pending, cand)
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()
	return ep.AddCandidate(ctx, cand)
}

// SetCallEndpoint assigns the call leg and drains the candidate buffer into
// it, preserving order. Must run before candidate gathering starts.
func (s *UserSession) SetCallEndpoint(ctx context.Context, ep core.Endpoint) error {
	s.mu.Lock()
	s.callEndpoint = ep
	buffered := s.pending
	s.pending = nil
	s.mu.Unlock()
	return flushCandidates(ctx, ep, buffered)
}

// SetPlayEndpoint is SetCallEndpoint for the playback leg.
func (s *UserSession) SetPlayEndpoint(ctx context.Context, ep core.Endpoint) error {
	s.mu.Lock()
	s.playEndpoint = ep
	buffered := s.pending
	s.pending = nil
	s.mu.Unlock()
	return flushCandidates(ctx, ep, buffered)
}

func (s *UserSession) currentEndpointLocked() core.Endpoint {
	if s.state.Is(StatePlaying) && s.playEndpoint != nil {
		return s.playEndpoint
	}
	if s.playEndpoint != nil && s.callEndpoint == nil {
		return s.playEndpoint
	}
	return s.callEndpoint
}

func flushCandidates(ctx context.Context, ep core.Endpoint, buffered []webrtc.ICECandidateInit) error {
	var errs []error
	for _, cand := range buffered {
		if err := ep.AddCandidate(ctx, cand); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
