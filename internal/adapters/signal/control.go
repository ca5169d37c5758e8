package signal

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveroom/internal/domain"
)

const recordingWait = 30 * time.Second

// handleSignal dispatches one inbound frame.
func (ctl *SignalWSController) handleSignal(ctx context.Context, c *WsSignalConn, data []byte) {
	env, err := decodeInbound(data)
	if err != nil {
		ctl.sendError(c, err, "")
		return
	}

	switch env.Type {
	case "ping":
		ctl.handlePing(c, env)
	case "chat":
		ctl.handleChat(ctx, c, env)
	case "whiteboard":
		ctl.handleWhiteboard(ctx, c, env)
	case "status":
		ctl.handleStatus(ctx, c, env)
	case "hand":
		ctl.handleHand(ctx, c, env)
	case "recording":
		ctl.handleRecording(ctx, c, env)
	case "end":
		if err := ctl.Orch.EndMeeting(ctx, c.meeting, c.pid); err != nil {
			ctl.sendError(c, err, env.Ref)
		}
	case "leave":
		ctl.handleLeave(ctx, c, env)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
		ctl.sendError(c, domain.NewInvalidField("unknown message type "+env.Type), env.Ref)
	}
}

func (ctl *SignalWSController) handlePing(c *WsSignalConn, env inbound) {
	if !ctl.Orch.Heartbeat(c.meeting, c.pid, c.token) {
		ctl.sendError(c, domain.NewRejoinDenied("connection is no longer current"), env.Ref)
		return
	}
	ctl.sendJSON(c, controlFrame{Type: "pong", Ref: env.Ref})
}

func (ctl *SignalWSController) handleChat(ctx context.Context, c *WsSignalConn, env inbound) {
	var p chatPayload
	if err := decodePayload(env, &p); err != nil {
		ctl.sendError(c, err, env.Ref)
		return
	}
	if !ctl.Chat.Allow(c.pid) {
		ctl.sendError(c, domain.NewRateLimited("too many messages, slow down"), env.Ref)
		return
	}
	if _, err := ctl.Orch.PostChat(ctx, c.meeting, c.pid, p.Text); err != nil {
		ctl.sendError(c, err, env.Ref)
	}
}

func (ctl *SignalWSController) handleWhiteboard(ctx context.Context, c *WsSignalConn, env inbound) {
	var p whiteboardPayload
	if err := decodePayload(env, &p); err != nil {
		ctl.sendError(c, err, env.Ref)
		return
	}
	if !ctl.Whiteboard.Allow(c.pid) {
		ctl.sendError(c, domain.NewRateLimited("too many whiteboard operations, slow down"), env.Ref)
		return
	}
	if _, err := ctl.Orch.PostWhiteboard(ctx, c.meeting, c.pid, p.Op); err != nil {
		ctl.sendError(c, err, env.Ref)
	}
}

func (ctl *SignalWSController) handleStatus(ctx context.Context, c *WsSignalConn, env inbound) {
	var patch map[string]bool
	if len(env.Payload) == 0 {
		ctl.sendError(c, domain.NewInvalidField("status payload is missing"), env.Ref)
		return
	}
	if err := codec.Unmarshal(env.Payload, &patch); err != nil {
		ctl.sendError(c, domain.NewInvalidField("malformed status payload", err), env.Ref)
		return
	}
	if err := ctl.Orch.UpdateStatus(ctx, c.meeting, c.pid, patch); err != nil {
		ctl.sendError(c, err, env.Ref)
	}
}

func (ctl *SignalWSController) handleHand(ctx context.Context, c *WsSignalConn, env inbound) {
	var p handPayload
	if err := decodePayload(env, &p); err != nil {
		ctl.sendError(c, err, env.Ref)
		return
	}
	patch := map[string]bool{string(domain.FieldHandRaised): p.Raised}
	if err := ctl.Orch.UpdateStatus(ctx, c.meeting, c.pid, patch); err != nil {
		ctl.sendError(c, err, env.Ref)
	}
}

// handleRecording waits for the backend off the read loop; the outcome
// reaches everyone as recording-state-changed, the requester also gets any
// error.
func (ctl *SignalWSController) handleRecording(ctx context.Context, c *WsSignalConn, env inbound) {
	var p recordingPayload
	if err := decodePayload(env, &p); err != nil {
		ctl.sendError(c, err, env.Ref)
		return
	}
	action, err := domain.ParseRecordingAction(p.Action)
	if err != nil {
		ctl.sendError(c, err, env.Ref)
		return
	}
	go func() {
		rctx, cancel := context.WithTimeout(ctx, recordingWait)
		defer cancel()
		if _, err := ctl.Orch.RequestRecording(rctx, c.meeting, c.pid, action); err != nil {
			ctl.sendError(c, err, env.Ref)
		}
	}()
}

// handleLeave leaves for good. The participant-left event is the last frame
// the socket gets before the subscription closes it.
func (ctl *SignalWSController) handleLeave(ctx context.Context, c *WsSignalConn, env inbound) {
	log.Info().Str("module", "signal").Str("meeting", string(c.meeting)).Str("participant", string(c.pid)).Msg("leave")
	if err := ctl.Orch.Leave(ctx, c.meeting, c.pid); err != nil {
		ctl.sendError(c, err, env.Ref)
	}
}
