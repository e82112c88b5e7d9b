package services

import (
	"log/slog"

	"github.com/kawanishi0117/agent-company-sub006/pkg/chatlog"
	"github.com/kawanishi0117/agent-company-sub006/pkg/models"
)

// maxActivityLimit caps how many entries one request may pull.
const maxActivityLimit = 500

// ActivityService serves the human-readable activity stream backed by
// the chat log.
type ActivityService struct {
	capture *chatlog.Capture
	logger  *slog.Logger
}

// NewActivityService creates a new ActivityService.
func NewActivityService(capture *chatlog.Capture, logger *slog.Logger) *ActivityService {
	if capture == nil {
		panic("NewActivityService: capture must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ActivityService{capture: capture, logger: logger}
}

// Recent returns the newest entries, newest first. Non-positive limits
// fall back to the stream default, oversized ones are clamped.
func (s *ActivityService) Recent(limit int) ([]*models.ActivityEntry, error) {
	if limit > maxActivityLimit {
		limit = maxActivityLimit
	}
	return s.capture.ActivityStream(limit)
}
