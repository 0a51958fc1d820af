package kernel

import (
	"github.com/mlett/crossport/internal/core/domain"
)

// WorkerHeader carries the reporting worker's handle on update calls.
const WorkerHeader = "X-Crossport-Worker"

type startJobRequest struct {
	Action       domain.Action      `json:"action"`
	FocusChannel domain.ChannelID   `json:"focus_channel,omitempty"`
	Channels     []domain.ChannelID `json:"channels"`
	Article      domain.Article     `json:"article"`
	ClientID     domain.ClientID    `json:"client_id"`
}

type startJobResponse struct {
	Success bool         `json:"success"`
	JobID   domain.JobID `json:"job_id"`
}

type contextResponse struct {
	Success bool             `json:"success"`
	Job     domain.Job       `json:"job"`
	Channel domain.ChannelID `json:"channel"`
}

type ackResponse struct {
	Success bool `json:"success"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

type channelEntry struct {
	ID       domain.ChannelID `json:"id"`
	EntryURL string           `json:"entry_url"`
}
