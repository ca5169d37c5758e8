package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/liveroom/internal/domain"
)

var statusByKind = map[domain.ErrorKind]int{
	domain.KindMeetingNotFound:     http.StatusNotFound,
	domain.KindParticipantNotFound: http.StatusNotFound,
	domain.KindRejoinDenied:        http.StatusConflict,
	domain.KindForbidden:           http.StatusForbidden,
	domain.KindConflict:            http.StatusConflict,
	domain.KindInvalidField:        http.StatusBadRequest,
	domain.KindBackendTimeout:      http.StatusGatewayTimeout,
	domain.KindUnavailable:         http.StatusServiceUnavailable,
	domain.KindRateLimited:         http.StatusTooManyRequests,
}

func statusFor(err error) int {
	if s, ok := statusByKind[domain.KindOf(err)]; ok {
		return s
	}
	return http.StatusInternalServerError
}

func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	kind := domain.KindOf(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, gin.H{"error": gin.H{"code": kind.Code(), "message": msg}})
}
