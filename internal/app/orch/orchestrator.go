// Package orch routes signaling messages between participants and drives
// call and playback pipelines on the external media server.
package orch

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mlipovsky/callbridge/internal/app"
	"github.com/mlipovsky/callbridge/internal/config"
	"github.com/mlipovsky/callbridge/internal/core"
	"github.com/mlipovsky/callbridge/internal/domain"
	"github.com/mlipovsky/callbridge/internal/metrics"
)

// Orchestrator owns the per-user registry, the pipeline registry and the
// media-server client. One instance serves all connections; every inbound
// frame and every media-server event goes through it.
type Orchestrator struct {
	users     *app.UserRegistry
	pipelines *app.PipelineRegistry
	media     core.MediaController
	cfg       *config.Config
	metrics   *metrics.Metrics
	validate  *validator.Validate
	limiter   *CallRateLimiter

	// Media-server events (gathered candidates, end of stream) are queued
	// here and drained by Run, so they reach clients through the same
	// serialized send path as direct responses.
	events chan mediaEvent
}

type mediaEvent struct {
	connID      core.ConnID
	candidate   *webrtc.ICECandidateInit
	endOfStream bool
}

func New(users *app.UserRegistry, pipelines *app.PipelineRegistry, media core.MediaController, cfg *config.Config, m *metrics.Metrics) *Orchestrator {
	if m == nil {
		m = metrics.New()
	}
	return &Orchestrator{
		users:     users,
		pipelines: pipelines,
		media:     media,
		cfg:       cfg,
		metrics:   m,
		validate:  validator.New(),
		limiter:   NewCallRateLimiter(cfg.CallRateLimit, cfg.CallRateInterval),
		events:    make(chan mediaEvent, 256),
	}
}

// Run drains media-server events until ctx is done.
func (o *Orchestrator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-o.events:
			o.handleMediaEvent(ctx, ev)
		}
	}
}

func (o *Orchestrator) handleMediaEvent(ctx context.Context, ev mediaEvent) {
	sess, ok := o.users.ByConn(ev.connID)
	switch {
	case ev.candidate != nil:
		if !ok {
			return
		}
		if err := sess.Send(domain.IceCandidatePush{ID: domain.KindIceCandidate, Candidate: *ev.candidate}); err != nil {
			o.metrics.SendErrors.Inc()
			log.Warn().Err(err).Str("module", "orch").Str("user", sess.Name()).Msg("candidate push failed")
		}
	case ev.endOfStream:
		o.pipelines.TakeAndRelease(ctx, ev.connID)
		if !ok {
			return
		}
		sess.Reset()
		if err := sess.Send(domain.PlayEnd{ID: domain.KindPlayEnd}); err != nil {
			o.metrics.SendErrors.Inc()
			log.Warn().Err(err).Str("module", "orch").Str("user", sess.Name()).Msg("playEnd push failed")
		}
	}
}

// postEvent never blocks the media client's event dispatch.
func (o *Orchestrator) postEvent(ev mediaEvent) {
	select {
	case o.events <- ev:
	default:
		log.Warn().Str("module", "orch").Str("conn", string(ev.connID)).Msg("event queue full, dropping media event")
	}
}

func (o *Orchestrator) candidateHook(connID core.ConnID) func(webrtc.ICECandidateInit) {
	return func(cand webrtc.ICECandidateInit) {
		o.postEvent(mediaEvent{connID: connID, candidate: &cand})
	}
}

// OnConnect is called by the transport when a connection is upgraded.
func (o *Orchestrator) OnConnect(connID core.ConnID) {
	log.Info().Str("module", "orch").Str("conn", string(connID)).Msg("connection opened")
}

// OnDisconnect tears down whatever the connection held: active pipeline,
// call pairing, registry entry, followed by a user-list broadcast.
func (o *Orchestrator) OnDisconnect(ctx context.Context, connID core.ConnID) {
	log.Info().Str("module", "orch").Str("conn", string(connID)).Msg("connection closed")
	o.limiter.Forget(connID)
	o.stop(ctx, connID, true)
}

// HandleMessage dispatches one inbound frame from connID. conn is the
// reply handle for connections that have no session yet.
func (o *Orchestrator) HandleMessage(ctx context.Context, connID core.ConnID, conn core.SignalConnection, raw []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		o.metrics.MessagesIn.WithLabelValues("invalid").Inc()
		o.handleError(ctx, connID, conn, domain.KindRegisterResponse, domain.ValidationError(err))
		return
	}
	o.metrics.MessagesIn.WithLabelValues(string(env.ID)).Inc()

	switch env.ID {
	case domain.KindAppConfig:
		o.appConfig(conn)
	case domain.KindRegister:
		var req domain.RegisterRequest
		if err := o.decode(raw, &req); err != nil {
			o.handleError(ctx, connID, conn, domain.KindRegisterResponse, err)
			return
		}
		o.register(ctx, connID, conn, req)
	case domain.KindCall:
		var req domain.CallRequest
		if err := o.decode(raw, &req); err != nil {
			o.handleError(ctx, connID, conn, domain.KindCallResponse, err)
			return
		}
		o.call(ctx, connID, conn, req)
	case domain.KindIncomingCallResponse:
		var req domain.IncomingCallAnswer
		if err := o.decode(raw, &req); err != nil {
			o.handleError(ctx, connID, conn, domain.KindCallResponse, err)
			return
		}
		o.incomingCallResponse(ctx, connID, req)
	case domain.KindOnIceCandidate:
		o.onIceCandidate(ctx, connID, raw)
	case domain.KindStop:
		o.stop(ctx, connID, false)
	case domain.KindPlay:
		var req domain.PlayRequest
		if err := o.decode(raw, &req); err != nil {
			o.handleError(ctx, connID, conn, domain.KindPlayResponse, err)
			return
		}
		o.play(ctx, connID, req)
	case domain.KindStopPlay:
		o.stopPlay(ctx, connID)
	default:
		log.Warn().Str("module", "orch").Str("conn", string(connID)).Str("kind", string(env.ID)).Msg("unknown message kind")
	}
}

func (o *Orchestrator) decode(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return domain.ValidationError(err)
	}
	if err := o.validate.Struct(v); err != nil {
		return domain.ValidationError(err)
	}
	return nil
}

// handleError answers a malformed request with a rejection and, as a
// safety measure, tears down whatever the sender's connection holds.
func (o *Orchestrator) handleError(ctx context.Context, connID core.ConnID, conn core.SignalConnection, respKind domain.Kind, err error) {
	log.Error().Err(err).Str("module", "orch").Str("conn", string(connID)).Msg("rejecting malformed message")
	o.stop(ctx, connID, false)
	o.sendJSON(conn, domain.CallResponse{ID: respKind, Response: domain.ResponseRejected, Message: err.Error()})
}

func (o *Orchestrator) register(ctx context.Context, connID core.ConnID, conn core.SignalConnection, req domain.RegisterRequest) {
	response := domain.ResponseAccepted
	message := ""

	if err := domain.ValidateName(req.Name); err != nil {
		response = domain.ResponseRejected
		message = err.Error()
	} else if o.users.Exists(req.Name) {
		response = domain.ResponseSkipped
		message = "user " + req.Name + " already registered"
	} else {
		sess := app.NewUserSession(req.Name, connID, conn)
		if !o.users.Register(sess) {
			// lost the race for the name
			response = domain.ResponseSkipped
			message = "user " + req.Name + " already registered"
		} else {
			o.metrics.SessionsActive.Set(float64(o.users.Count()))
			log.Info().Str("module", "orch").Str("user", req.Name).Str("conn", string(connID)).Msg("user registered")
		}
	}

	o.sendJSON(conn, domain.RegisterResponse{ID: domain.KindRegisterResponse, Response: response, Message: message})
	o.broadcastRegisteredUsers()
}

// broadcastRegisteredUsers pushes the current participant list to every
// registered session.
func (o *Orchestrator) broadcastRegisteredUsers() {
	msg, err := domain.NewRegisteredUsers(o.users.Names())
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("encoding user list")
		return
	}
	for _, sess := range o.users.Sessions() {
		if err := sess.Send(msg); err != nil {
			o.metrics.SendErrors.Inc()
			log.Warn().Err(err).Str("module", "orch").Str("user", sess.Name()).Msg("user list push failed")
		}
	}
}

func (o *Orchestrator) appConfig(conn core.SignalConnection) {
	servers := []domain.IceServer{{URLs: o.cfg.StunURL}}
	if o.cfg.TurnURL != "" {
		servers = append(servers, domain.IceServer{
			URLs:       o.cfg.TurnURL,
			Username:   o.cfg.TurnUser,
			Credential: o.cfg.TurnPass,
		})
	}
	o.sendJSON(conn, domain.AppConfigResponse{
		ID: domain.KindAppConfigResponse,
		Params: domain.AppConfigParams{
			IsInitiator:      true,
			MediaConstraints: map[string]bool{"audio": true, "video": true},
			PCConfig: domain.PCConfig{
				RTCPMuxPolicy: "require",
				BundlePolicy:  "max-bundle",
				IceServers:    servers,
			},
		},
		Result: "SUCCESS",
	})
}

func (o *Orchestrator) sendJSON(conn core.SignalConnection, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Msg("marshal outbound frame")
		return
	}
	if err := conn.TrySend(core.Frame(b)); err != nil {
		o.metrics.SendErrors.Inc()
		log.Warn().Err(err).Str("module", "orch").Msg("send failed")
	}
}

func (o *Orchestrator) sendTo(sess *app.UserSession, v any) {
	if err := sess.Send(v); err != nil {
		o.metrics.SendErrors.Inc()
		if !errors.Is(err, domain.ErrTransport) {
			log.Error().Err(err).Str("module", "orch").Str("user", sess.Name()).Msg("send failed")
			return
		}
		// the read pump will notice the dead connection and trigger teardown
		log.Warn().Err(err).Str("module", "orch").Str("user", sess.Name()).Msg("send on broken connection")
	}
}
