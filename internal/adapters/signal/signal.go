// Package signal is the realtime socket gateway. One connection carries one
// participant: inbound control messages go to the orchestrator, outbound
// events come from the participant's bus subscription.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveroom/internal/app/orch"
	"github.com/dkeye/liveroom/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrConnClosed   = errors.New("connection closed")
)

type Options struct {
	ReadLimit    int64
	WriteWait    time.Duration
	PingPeriod   time.Duration
	SendBuffer   int
	ChatLimit    int
	ChatInterval time.Duration
}

func (o *Options) defaults() {
	if o.ReadLimit <= 0 {
		o.ReadLimit = 64 << 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 5 * time.Second
	}
	if o.PingPeriod <= 0 {
		o.PingPeriod = 20 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.ChatInterval <= 0 {
		o.ChatInterval = 10 * time.Second
	}
}

type SignalWSController struct {
	Orch       *orch.Orchestrator
	Chat       *RoomRateLimiter
	Whiteboard *RoomRateLimiter
	opts       Options
}

func NewSignalWSController(o *orch.Orchestrator, opts Options) *SignalWSController {
	opts.defaults()
	ctl := &SignalWSController{Orch: o, opts: opts}
	if opts.ChatLimit > 0 {
		ctl.Chat = NewRoomRateLimiter(opts.ChatLimit, opts.ChatInterval)
		ctl.Whiteboard = NewRoomRateLimiter(opts.ChatLimit*20, opts.ChatInterval)
	}
	return ctl
}

// WsSignalConn is one attached participant socket.
type WsSignalConn struct {
	conn    *websocket.Conn
	send    chan []byte
	meeting domain.MeetingID
	pid     domain.ParticipantID
	token   uint64
	cancel  context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// TrySend queues a frame without blocking.
func (c *WsSignalConn) TrySend(f []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

// Finish stops accepting frames; the write pump flushes what is queued and
// then closes the socket.
func (c *WsSignalConn) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// Close tears the socket down without flushing.
func (c *WsSignalConn) Close() {
	c.Finish()
	c.cancel()
	_ = c.conn.Close()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the request and attaches the socket to participant
// pid. lastSeq is the highest sequence number the client already applied.
func (ctl *SignalWSController) HandleSignal(ctx context.Context, c *gin.Context, meeting domain.MeetingID, pid domain.ParticipantID, lastSeq uint64) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	ws.SetReadLimit(ctl.opts.ReadLimit)

	resume, err := ctl.Orch.Attach(ctx, meeting, pid, lastSeq)
	if err != nil {
		log.Info().Err(err).Str("module", "signal").Str("meeting", string(meeting)).Str("participant", string(pid)).Msg("attach refused")
		deadline := time.Now().Add(ctl.opts.WriteWait)
		_ = ws.SetWriteDeadline(deadline)
		_ = ws.WriteMessage(websocket.TextMessage, encodeError(err, ""))
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, domain.KindOf(err).Code()), deadline)
		_ = ws.Close()
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	conn := &WsSignalConn{
		conn:    ws,
		send:    make(chan []byte, ctl.opts.SendBuffer),
		meeting: meeting,
		pid:     pid,
		token:   resume.Token,
		cancel:  cancel,
	}
	log.Info().Str("module", "signal").Str("meeting", string(meeting)).Str("participant", string(pid)).
		Uint64("token", resume.Token).Msg("new WS connection")

	go ctl.writePump(ctx, conn)
	go ctl.deliverPump(ctx, conn, resume)
	go ctl.readPump(ctx, conn)
}
