package http

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveroom/internal/adapters/signal"
	"github.com/dkeye/liveroom/internal/app/orch"
	"github.com/dkeye/liveroom/internal/domain"
)

type meetingHandlers struct {
	ctx    context.Context
	orch   *orch.Orchestrator
	signal *signal.SignalWSController
}

type createMeetingRequest struct {
	Name     string           `json:"name" binding:"required,max=128"`
	Settings *domain.Settings `json:"settings"`
}

type transferHostRequest struct {
	ParticipantID string `json:"participantId" binding:"required"`
}

type recordingRequest struct {
	Action string `json:"action" binding:"required,oneof=start stop"`
}

func sessionKey(id domain.MeetingID) string { return "p:" + string(id) }

func meetingID(c *gin.Context) domain.MeetingID { return domain.MeetingID(c.Param("id")) }

// self resolves the caller's participant slot in the meeting.
func (h *meetingHandlers) self(c *gin.Context) (domain.ParticipantID, bool) {
	p, err := h.orch.ParticipantOf(c.Request.Context(), meetingID(c), currentUser(c).ID)
	if err != nil {
		respondError(c, err)
		return "", false
	}
	return p.ID, true
}

func (h *meetingHandlers) create(c *gin.Context) {
	var req createMeetingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, domain.NewInvalidField("invalid meeting body", err))
		return
	}
	view, err := h.orch.CreateMeeting(c.Request.Context(), req.Name, currentUser(c), req.Settings)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, view)
}

func (h *meetingHandlers) list(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"meetings": h.orch.ListMeetings(c.Request.Context())})
}

func (h *meetingHandlers) get(c *gin.Context) {
	view, err := h.orch.GetMeeting(c.Request.Context(), meetingID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *meetingHandlers) join(c *gin.Context) {
	id := meetingID(c)
	res, err := h.orch.Join(c.Request.Context(), id, currentUser(c))
	if err != nil {
		respondError(c, err)
		return
	}
	sess := sessions.Default(c)
	sess.Set(sessionKey(id), string(res.Participant.ID))
	if err := sess.Save(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
	}
	c.JSON(http.StatusOK, res)
}

func (h *meetingHandlers) leave(c *gin.Context) {
	pid, ok := h.self(c)
	if !ok {
		return
	}
	id := meetingID(c)
	if err := h.orch.Leave(c.Request.Context(), id, pid); err != nil {
		respondError(c, err)
		return
	}
	sess := sessions.Default(c)
	sess.Delete(sessionKey(id))
	_ = sess.Save()
	c.Status(http.StatusNoContent)
}

func (h *meetingHandlers) updateStatus(c *gin.Context) {
	var patch map[string]bool
	if err := c.ShouldBindJSON(&patch); err != nil {
		respondError(c, domain.NewInvalidField("invalid status body", err))
		return
	}
	me, ok := h.self(c)
	if !ok {
		return
	}
	target := domain.ParticipantID(c.Param("pid"))
	var err error
	if target == me {
		err = h.orch.UpdateStatus(c.Request.Context(), meetingID(c), me, patch)
	} else {
		err = h.orch.ModerateStatus(c.Request.Context(), meetingID(c), me, target, patch)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *meetingHandlers) updateSettings(c *gin.Context) {
	var patch domain.SettingsPatch
	if err := c.ShouldBindJSON(&patch); err != nil {
		respondError(c, domain.NewInvalidField("invalid settings body", err))
		return
	}
	me, ok := h.self(c)
	if !ok {
		return
	}
	settings, err := h.orch.UpdateSettings(c.Request.Context(), meetingID(c), me, &patch)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, settings)
}

func (h *meetingHandlers) transferHost(c *gin.Context) {
	var req transferHostRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, domain.NewInvalidField("invalid host body", err))
		return
	}
	me, ok := h.self(c)
	if !ok {
		return
	}
	if err := h.orch.TransferHost(c.Request.Context(), meetingID(c), me, domain.ParticipantID(req.ParticipantID)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *meetingHandlers) recording(c *gin.Context) {
	var req recordingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, domain.NewInvalidField("invalid recording body", err))
		return
	}
	action, err := domain.ParseRecordingAction(req.Action)
	if err != nil {
		respondError(c, err)
		return
	}
	me, ok := h.self(c)
	if !ok {
		return
	}
	state, err := h.orch.RequestRecording(c.Request.Context(), meetingID(c), me, action)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": state})
}

func (h *meetingHandlers) end(c *gin.Context) {
	me, ok := h.self(c)
	if !ok {
		return
	}
	if err := h.orch.EndMeeting(c.Request.Context(), meetingID(c), me); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// socket attaches a WebSocket to the caller's slot. The participant id comes
// from the query, else from the session cookie written at join; either way
// it has to be the caller's own live slot.
func (h *meetingHandlers) socket(c *gin.Context) {
	id := meetingID(c)
	own, err := h.orch.ParticipantOf(c.Request.Context(), id, currentUser(c).ID)
	if err != nil {
		respondError(c, domain.NewRejoinDenied("no live participant to resume, join again", err))
		return
	}
	pid := domain.ParticipantID(c.Query("participant"))
	if pid == "" {
		if v, ok := sessions.Default(c).Get(sessionKey(id)).(string); ok {
			pid = domain.ParticipantID(v)
		}
	}
	if pid == "" {
		pid = own.ID
	}
	if pid != own.ID {
		respondError(c, domain.NewRejoinDenied("participant slot has expired, join again"))
		return
	}
	var lastSeq uint64
	if raw := c.Query("last_seq"); raw != "" {
		lastSeq, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			respondError(c, domain.NewInvalidField("last_seq must be a non-negative integer"))
			return
		}
	}
	log.Info().Str("module", "adapters.http").Str("client", c.GetString("client_token")).Str("meeting", string(id)).
		Str("participant", string(pid)).Msg("ws endpoint hit")
	h.signal.HandleSignal(h.ctx, c, id, pid, lastSeq)
}
