package orch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/mlipovsky/callbridge/internal/app"
	"github.com/mlipovsky/callbridge/internal/core"
	"github.com/mlipovsky/callbridge/internal/domain"
)

func (o *Orchestrator) play(ctx context.Context, connID core.ConnID, req domain.PlayRequest) {
	sess, ok := o.users.ByConn(connID)
	if !ok {
		log.Warn().Str("module", "orch").Str("conn", string(connID)).Msg("play from unregistered connection")
		return
	}

	if !o.users.Exists(req.User) {
		o.sendTo(sess, domain.PlayResponse{
			ID:       domain.KindPlayResponse,
			Response: domain.ResponseRejected,
			Message:  "no recording for user '" + req.User + "', please request a correct user",
		})
		return
	}

	if err := sess.StartPlaying(); err != nil {
		o.sendTo(sess, domain.PlayResponse{
			ID:       domain.KindPlayResponse,
			Response: domain.ResponseRejected,
			Message:  "you are already in a call",
		})
		return
	}

	log.Info().Str("module", "orch").Str("user", sess.Name()).Str("recording", req.User).Msg("starting playback")
	if err := o.startPlayback(ctx, sess, req); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("user", sess.Name()).Msg("playback setup failed, rolling back")
		o.pipelines.TakeAndRelease(ctx, connID)
		sess.Reset()
		o.sendTo(sess, domain.PlayResponse{ID: domain.KindPlayResponse, Response: domain.ResponseRejected})
	}
}

// startPlayback builds a playback pipeline against req.User's recording and
// registers it under the requesting connection.
func (o *Orchestrator) startPlayback(ctx context.Context, sess *app.UserSession, req domain.PlayRequest) error {
	pipeline, err := o.media.CreatePipeline(ctx)
	if err != nil {
		return domain.MediaError("create pipeline", err)
	}
	o.metrics.PipelinesCreated.Inc()
	o.metrics.PipelinesActive.Inc()
	o.pipelines.Put(ctx, sess.ConnID(), pipeline)

	player, webRtcEp, err := pipeline.CreatePlayEndpoints(ctx, req.User)
	if err != nil {
		return domain.MediaError("create play endpoints", err)
	}

	connID := sess.ConnID()
	player.OnEndOfStream(func() {
		o.postEvent(mediaEvent{connID: connID, endOfStream: true})
	})
	webRtcEp.OnIceCandidate(o.candidateHook(connID))

	if err := sess.SetPlayEndpoint(ctx, webRtcEp); err != nil {
		return domain.MediaError("flush viewer candidates", err)
	}

	answer, err := webRtcEp.ProcessOffer(ctx, req.SdpOffer)
	if err != nil {
		return domain.MediaError("playback sdp negotiation", err)
	}
	o.sendTo(sess, domain.PlayResponse{
		ID:        domain.KindPlayResponse,
		Response:  domain.ResponseAccepted,
		SdpAnswer: answer,
	})

	if err := player.Play(ctx); err != nil {
		return domain.MediaError("start playback", err)
	}
	return webRtcEp.GatherCandidates(ctx)
}

func (o *Orchestrator) stopPlay(ctx context.Context, connID core.ConnID) {
	o.pipelines.TakeAndRelease(ctx, connID)
	if sess, ok := o.users.ByConn(connID); ok && sess.State() == app.StatePlaying {
		sess.Reset()
	}
}
