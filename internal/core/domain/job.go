package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type JobID string

// ClientID identifies the client session that initiated a job and should
// receive its broadcasts.
type ClientID string

type Action string

const (
	ActionDraft   Action = "draft"
	ActionPublish Action = "publish"
)

func (a Action) Valid() bool {
	return a == ActionDraft || a == ActionPublish
}

// Article is the immutable payload handed to every channel worker of a job.
type Article struct {
	Title       string     `json:"title"`
	ContentHTML string     `json:"content_html"`
	SourceURL   string     `json:"source_url"`
	Author      string     `json:"author,omitempty"`
	PublishTime *time.Time `json:"publish_time,omitempty"`
	CoverURL    string     `json:"cover_url,omitempty"`
}

// Validate checks the fields a job cannot be created without.
func (a Article) Validate() error {
	if strings.TrimSpace(a.Title) == "" {
		return fmt.Errorf("%w: article title is required", ErrValidation)
	}
	if strings.TrimSpace(a.ContentHTML) == "" {
		return fmt.Errorf("%w: article content_html is required", ErrValidation)
	}
	if strings.TrimSpace(a.SourceURL) == "" {
		return fmt.Errorf("%w: article source_url is required", ErrValidation)
	}
	return nil
}

// Job is one cross-post request: one article fanned out to a set of target
// channels. Everything except StoppedAt is immutable after creation; channel
// workers mutate only their own ChannelState.
type Job struct {
	ID           JobID       `json:"id"`
	Action       Action      `json:"action"`
	Article      Article     `json:"article"`
	Channels     []ChannelID `json:"channels"`
	FocusChannel ChannelID   `json:"focus_channel,omitempty"`
	ClientID     ClientID    `json:"client_id"`
	CreatedAt    time.Time   `json:"created_at"`
	StoppedAt    *time.Time  `json:"stopped_at,omitempty"`
}

// Stopped reports whether the job is terminal. Once stopped, control
// operations no longer mutate worker state.
func (j Job) Stopped() bool {
	return j.StoppedAt != nil
}

// HasChannel reports whether id is one of the job's selected channels.
func (j Job) HasChannel(id ChannelID) bool {
	for _, c := range j.Channels {
		if c == id {
			return true
		}
	}
	return false
}

var (
	ErrValidation      = errors.New("validation failed")
	ErrJobNotFound     = errors.New("job not found")
	ErrChannelNotFound = errors.New("channel not found")
	ErrWorkerNotFound  = errors.New("no worker registered")
	ErrJobStopped      = errors.New("job is stopped")
)
