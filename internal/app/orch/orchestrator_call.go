package orch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/mlipovsky/callbridge/internal/app"
	"github.com/mlipovsky/callbridge/internal/core"
	"github.com/mlipovsky/callbridge/internal/domain"
)

func (o *Orchestrator) call(ctx context.Context, connID core.ConnID, conn core.SignalConnection, req domain.CallRequest) {
	caller, ok := o.users.ByConn(connID)
	if !ok {
		o.handleError(ctx, connID, conn, domain.KindCallResponse, domain.NotFoundError(req.From))
		return
	}

	if !o.limiter.Allow(connID) {
		log.Warn().Str("module", "orch").Str("user", caller.Name()).Msg("call attempt rate limited")
		o.sendTo(caller, domain.CallResponse{
			ID:       domain.KindCallResponse,
			Response: domain.ResponseRejected,
			Message:  "too many call attempts, try again later",
		})
		return
	}

	callee, ok := o.users.ByName(req.To)
	if !ok {
		log.Warn().Str("module", "orch").Str("from", req.From).Str("to", req.To).Msg("callee does not exist, rejecting call")
		o.sendTo(caller, domain.CallResponse{
			ID:       domain.KindCallResponse,
			Response: domain.ResponseRejected,
			Message:  "user '" + req.To + "' is not registered",
		})
		return
	}

	if err := caller.Dial(req.To, req.SdpOffer); err != nil {
		o.sendTo(caller, domain.CallResponse{
			ID:       domain.KindCallResponse,
			Response: domain.ResponseRejected,
			Message:  "you are already in a call",
		})
		return
	}
	if err := callee.Ring(req.From); err != nil {
		caller.Reset()
		o.sendTo(caller, domain.CallResponse{
			ID:       domain.KindCallResponse,
			Response: domain.ResponseRejected,
			Message:  "user '" + req.To + "' is busy",
		})
		return
	}

	log.Info().Str("module", "orch").Str("from", req.From).Str("to", req.To).Msg("call placed")
	o.sendTo(callee, domain.IncomingCall{ID: domain.KindIncomingCall, From: req.From})
}

func (o *Orchestrator) incomingCallResponse(ctx context.Context, connID core.ConnID, req domain.IncomingCallAnswer) {
	callee, ok := o.users.ByConn(connID)
	if !ok {
		log.Warn().Str("module", "orch").Str("conn", string(connID)).Msg("incomingCallResponse from unknown connection")
		return
	}
	caller, ok := o.users.ByName(req.From)
	if !ok {
		// caller vanished while the callee was deciding
		log.Warn().Str("module", "orch").Str("from", req.From).Msg("caller gone, dropping call")
		callee.Reset()
		o.sendTo(callee, domain.StopCommunication{ID: domain.KindStopCommunication})
		return
	}

	if req.CallResponse != "accept" {
		log.Info().Str("module", "orch").Str("from", req.From).Str("to", callee.Name()).Msg("call rejected by callee")
		o.sendTo(caller, domain.CallResponse{
			ID:       domain.KindCallResponse,
			Response: domain.ResponseRejected,
			Message:  "call rejected by user '" + callee.Name() + "'",
		})
		caller.Reset()
		callee.Reset()
		return
	}

	log.Info().Str("module", "orch").Str("from", req.From).Str("to", callee.Name()).Msg("call accepted")
	if err := o.acceptCall(ctx, caller, callee, req.SdpOffer); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("from", req.From).Str("to", callee.Name()).Msg("call setup failed, rolling back")
		o.rollbackCall(ctx, caller, callee)
	}
}

// acceptCall builds the shared pipeline and negotiates both legs. Exactly
// one pipeline is created and it is registered under both connection ids
// before anything can fail, so rollback always finds it.
func (o *Orchestrator) acceptCall(ctx context.Context, caller, callee *app.UserSession, calleeOffer string) error {
	pipeline, err := o.media.CreatePipeline(ctx)
	if err != nil {
		return domain.MediaError("create pipeline", err)
	}
	o.metrics.PipelinesCreated.Inc()
	o.metrics.PipelinesActive.Inc()
	o.pipelines.Put(ctx, caller.ConnID(), pipeline)
	o.pipelines.Put(ctx, callee.ConnID(), pipeline)

	callerEp, calleeEp, err := pipeline.CreateCallEndpoints(ctx, caller.Name(), callee.Name())
	if err != nil {
		return domain.MediaError("create call endpoints", err)
	}
	calleeEp.OnIceCandidate(o.candidateHook(callee.ConnID()))
	callerEp.OnIceCandidate(o.candidateHook(caller.ConnID()))

	if err := callee.SetCallEndpoint(ctx, calleeEp); err != nil {
		return domain.MediaError("flush callee candidates", err)
	}
	if err := caller.SetCallEndpoint(ctx, callerEp); err != nil {
		return domain.MediaError("flush caller candidates", err)
	}

	calleeAnswer, err := calleeEp.ProcessOffer(ctx, calleeOffer)
	if err != nil {
		return domain.MediaError("callee sdp negotiation", err)
	}
	o.sendTo(callee, domain.StartCommunication{ID: domain.KindStartCommunication, SdpAnswer: calleeAnswer})
	if err := calleeEp.GatherCandidates(ctx); err != nil {
		return domain.MediaError("callee gather", err)
	}

	callerAnswer, err := callerEp.ProcessOffer(ctx, caller.SdpOffer())
	if err != nil {
		return domain.MediaError("caller sdp negotiation", err)
	}
	o.sendTo(caller, domain.CallResponse{
		ID:        domain.KindCallResponse,
		Response:  domain.ResponseAccepted,
		SdpAnswer: callerAnswer,
	})
	if err := callerEp.GatherCandidates(ctx); err != nil {
		return domain.MediaError("caller gather", err)
	}

	if err := pipeline.StartRecording(ctx); err != nil {
		return domain.MediaError("start recording", err)
	}

	if err := caller.Connect(); err != nil {
		return err
	}
	return callee.Connect()
}

// rollbackCall undoes a failed acceptance: the pipeline is released once,
// the caller gets an opaque rejection, the callee only a teardown notice.
// Neither side is ever left in a call alone.
func (o *Orchestrator) rollbackCall(ctx context.Context, caller, callee *app.UserSession) {
	o.pipelines.TakeAndRelease(ctx, caller.ConnID())
	o.pipelines.TakeAndRelease(ctx, callee.ConnID())

	o.sendTo(caller, domain.CallResponse{ID: domain.KindCallResponse, Response: domain.ResponseRejected})
	o.sendTo(callee, domain.StopCommunication{ID: domain.KindStopCommunication})
	caller.Reset()
	callee.Reset()
}

func (o *Orchestrator) onIceCandidate(ctx context.Context, connID core.ConnID, raw []byte) {
	sess, ok := o.users.ByConn(connID)
	if !ok {
		return
	}
	cand, err := domain.ParseIceCandidate(raw)
	if err != nil {
		log.Error().Err(err).Str("module", "orch").Str("user", sess.Name()).Msg("bad candidate payload")
		return
	}
	if err := sess.AddCandidate(ctx, cand); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("user", sess.Name()).Msg("forwarding candidate failed")
	}
}

// stop tears down the connection's pipeline and call pairing. With kill set
// the session is also removed from the registry and the remaining users get
// a fresh list; that is the disconnect path.
func (o *Orchestrator) stop(ctx context.Context, connID core.ConnID, kill bool) {
	released := o.pipelines.TakeAndRelease(ctx, connID)
	if released {
		log.Info().Str("module", "orch").Str("conn", string(connID)).Msg("stopped media for connection")
	}

	if sess, ok := o.users.ByConn(connID); ok {
		if peerName := sess.PeerName(); peerName != "" {
			if peer, ok := o.users.ByName(peerName); ok {
				o.sendTo(peer, domain.StopCommunication{ID: domain.KindStopCommunication})
				peer.Reset()
			}
		}
		sess.Reset()
	}

	if kill {
		if removed := o.users.RemoveByConn(connID); removed != nil {
			o.metrics.SessionsActive.Set(float64(o.users.Count()))
			o.broadcastRegisteredUsers()
		}
	}
}
