package signal

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveroom/internal/app/bus"
	"github.com/dkeye/liveroom/internal/app/reconnect"
	"github.com/dkeye/liveroom/internal/domain"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsSignalConn) {
	ticker := time.NewTicker(ctl.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("participant", string(c.pid)).Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("participant", string(c.pid)).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(ctl.opts.WriteWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("participant", string(c.pid)).Msg("writePump ping error")
				return
			}
		}
	}
}

// deliverPump feeds the participant's backfill, snapshot and live events
// into the send queue. A full send queue is a slow consumer and drops the
// connection.
func (ctl *SignalWSController) deliverPump(ctx context.Context, c *WsSignalConn, resume *reconnect.Resume) {
	err := resume.Deliver(ctx, func(ev domain.Event) error {
		b, err := encodeEvent(ev)
		if err != nil {
			log.Error().Err(err).Str("module", "signal").Str("kind", string(ev.Kind)).Msg("encode event")
			return nil
		}
		return c.TrySend(b)
	})

	switch {
	case errors.Is(err, bus.ErrRoomClosed), errors.Is(err, bus.ErrDetached):
		c.Finish()
	case errors.Is(err, context.Canceled), errors.Is(err, ErrConnClosed):
	case errors.Is(err, bus.ErrReplaced):
		log.Info().Str("module", "signal").Str("participant", string(c.pid)).Msg("connection replaced")
		c.Close()
	default:
		log.Warn().Err(err).Str("module", "signal").Str("meeting", string(c.meeting)).Str("participant", string(c.pid)).Msg("delivery stopped")
		c.Close()
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, c *WsSignalConn) {
	pongWait := 2 * ctl.opts.PingPeriod
	defer func() {
		log.Info().Str("module", "signal").Str("meeting", string(c.meeting)).Str("participant", string(c.pid)).Msg("readPump closing")
		c.Close()
		ctl.Chat.Prune()
		ctl.Whiteboard.Prune()
		ctl.Orch.Detach(c.meeting, c.pid, c.token)
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		ctl.Orch.Heartbeat(c.meeting, c.pid, c.token)
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn().Err(err).Str("module", "signal").Str("participant", string(c.pid)).Msg("readPump read error")
				}
				return
			}
			_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
			ctl.handleSignal(ctx, c, data)
		}
	}
}

func (ctl *SignalWSController) reply(c *WsSignalConn, frame []byte) {
	if err := c.TrySend(frame); err != nil && !errors.Is(err, ErrConnClosed) {
		log.Warn().Err(err).Str("module", "signal").Str("participant", string(c.pid)).Msg("reply dropped")
	}
}

func (ctl *SignalWSController) sendJSON(c *WsSignalConn, v any) {
	b, err := codec.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	ctl.reply(c, b)
}

func (ctl *SignalWSController) sendError(c *WsSignalConn, err error, ref string) {
	log.Debug().Err(err).Str("module", "signal").Str("participant", string(c.pid)).Str("ref", ref).Msg("request rejected")
	ctl.reply(c, encodeError(err, ref))
}
