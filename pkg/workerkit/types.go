package workerkit

import (
	"errors"
	"time"
)

// ErrWorkerNotFound is returned when the kernel has no registration for this
// worker's handle; the worker cannot resolve an assignment and should exit.
var ErrWorkerNotFound = errors.New("no worker registered for handle")

// Status is the coarse per-channel outcome a worker reports. It is
// authoritative for the kernel's control decisions.
type Status string

const (
	StatusNotStarted  Status = "not_started"
	StatusRunning     Status = "running"
	StatusSuccess     Status = "success"
	StatusFailed      Status = "failed"
	StatusWaitingUser Status = "waiting_user"
)

// Stage is the fine-grained progress marker within a submission flow.
type Stage string

const (
	StageInit           Stage = "init"
	StageOpenEntry      Stage = "openEntry"
	StageDetectLogin    Stage = "detectLogin"
	StageFillSourceURL  Stage = "fillSourceUrl"
	StageFillTitle      Stage = "fillTitle"
	StageFillContent    Stage = "fillContent"
	StageSaveDraft      Stage = "saveDraft"
	StageSubmitPublish  Stage = "submitPublish"
	StageConfirmSuccess Stage = "confirmSuccess"
	StageWaitingUser    Stage = "waitingUser"
	StageDone           Stage = "done"
)

// Signal is a control message the kernel forwards to a worker.
type Signal string

const (
	SignalStop     Signal = "stop"
	SignalRetry    Signal = "retry"
	SignalContinue Signal = "continue"
)

func (s Signal) Valid() bool {
	return s == SignalStop || s == SignalRetry || s == SignalContinue
}

// Article is the payload a worker publishes to its platform.
type Article struct {
	Title       string     `json:"title"`
	ContentHTML string     `json:"content_html"`
	SourceURL   string     `json:"source_url"`
	Author      string     `json:"author,omitempty"`
	PublishTime *time.Time `json:"publish_time,omitempty"`
	CoverURL    string     `json:"cover_url,omitempty"`
}

// Job is the kernel's view of a cross-post request, as returned by context
// resolution.
type Job struct {
	ID           string     `json:"id"`
	Action       string     `json:"action"`
	Article      Article    `json:"article"`
	Channels     []string   `json:"channels"`
	FocusChannel string     `json:"focus_channel,omitempty"`
	ClientID     string     `json:"client_id"`
	CreatedAt    time.Time  `json:"created_at"`
	StoppedAt    *time.Time `json:"stopped_at,omitempty"`
}

// Patch is a partial channel-state update reported to the kernel. Nil fields
// leave the kernel's previous value in place.
type Patch struct {
	Status         *Status `json:"status,omitempty"`
	Stage          *Stage  `json:"stage,omitempty"`
	UserMessage    *string `json:"user_message,omitempty"`
	UserSuggestion *string `json:"user_suggestion,omitempty"`
	DevDetails     *string `json:"dev_details,omitempty"`
}
