package domain

import "time"

// ChannelID names one target publishing platform. The set is fixed; jobs
// select a subset of it.
type ChannelID string

const (
	ChannelMedium    ChannelID = "medium"
	ChannelDevto     ChannelID = "devto"
	ChannelHashnode  ChannelID = "hashnode"
	ChannelWordpress ChannelID = "wordpress"
	ChannelGhost     ChannelID = "ghost"
	ChannelTumblr    ChannelID = "tumblr"
)

// KnownChannels returns the supported platforms in a stable order.
func KnownChannels() []ChannelID {
	return []ChannelID{
		ChannelMedium,
		ChannelDevto,
		ChannelHashnode,
		ChannelWordpress,
		ChannelGhost,
		ChannelTumblr,
	}
}

func (c ChannelID) Valid() bool {
	for _, k := range KnownChannels() {
		if c == k {
			return true
		}
	}
	return false
}

// Status is the coarse per-channel outcome. It is authoritative for control
// decisions; Stage is advisory only.
type Status string

const (
	StatusNotStarted  Status = "not_started"
	StatusRunning     Status = "running"
	StatusSuccess     Status = "success"
	StatusFailed      Status = "failed"
	StatusWaitingUser Status = "waiting_user"
)

func (s Status) Valid() bool {
	switch s {
	case StatusNotStarted, StatusRunning, StatusSuccess, StatusFailed, StatusWaitingUser:
		return true
	}
	return false
}

// Stage is the fine-grained progress marker within a channel's submission flow.
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

func (s Stage) Valid() bool {
	switch s {
	case StageInit, StageOpenEntry, StageDetectLogin, StageFillSourceURL,
		StageFillTitle, StageFillContent, StageSaveDraft, StageSubmitPublish,
		StageConfirmSuccess, StageWaitingUser, StageDone:
		return true
	}
	return false
}

// WorkerHandle is the opaque identifier correlating a spawned worker to its
// (job, channel) binding.
type WorkerHandle string

// ChannelState is one platform's progress within a job. Exactly one exists
// per (job, channel) pair for the lifetime of the job.
type ChannelState struct {
	Channel        ChannelID    `json:"channel"`
	Status         Status       `json:"status"`
	Stage          Stage        `json:"stage"`
	UserMessage    string       `json:"user_message,omitempty"`
	UserSuggestion string       `json:"user_suggestion,omitempty"`
	DevDetails     string       `json:"dev_details,omitempty"`
	UpdatedAt      time.Time    `json:"updated_at"`
	Worker         WorkerHandle `json:"worker,omitempty"`
}

// ChannelPatch is a partial ChannelState reported by a worker. Nil fields
// leave the previous value in place; set fields overwrite it.
type ChannelPatch struct {
	Status         *Status `json:"status,omitempty"`
	Stage          *Stage  `json:"stage,omitempty"`
	UserMessage    *string `json:"user_message,omitempty"`
	UserSuggestion *string `json:"user_suggestion,omitempty"`
	DevDetails     *string `json:"dev_details,omitempty"`
}

// Apply merges the patch over prev, stamping the merge time and the handle
// of the reporting worker. The merge is channel-local: it never reads any
// other channel's state.
func (p ChannelPatch) Apply(prev ChannelState, now time.Time, handle WorkerHandle) ChannelState {
	next := prev
	if p.Status != nil {
		next.Status = *p.Status
	}
	if p.Stage != nil {
		next.Stage = *p.Stage
	}
	if p.UserMessage != nil {
		next.UserMessage = *p.UserMessage
	}
	if p.UserSuggestion != nil {
		next.UserSuggestion = *p.UserSuggestion
	}
	if p.DevDetails != nil {
		next.DevDetails = *p.DevDetails
	}
	next.UpdatedAt = now
	if handle != "" {
		next.Worker = handle
	}
	return next
}

// StateMap holds the per-channel state of one job, keyed by channel.
type StateMap map[ChannelID]ChannelState

func (m StateMap) Clone() StateMap {
	out := make(StateMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// JobSnapshot is the full reconciled state pushed to the originating client
// after every mutation. Broadcasts are always complete snapshots, never
// diffs, so a reconnecting client can rebuild its view from any one frame.
type JobSnapshot struct {
	JobID     JobID       `json:"job_id"`
	Action    Action      `json:"action"`
	Channels  []ChannelID `json:"channels"`
	StoppedAt *time.Time  `json:"stopped_at,omitempty"`
	States    StateMap    `json:"states"`
}
