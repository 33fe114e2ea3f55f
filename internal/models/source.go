package models

import (
	"time"

	"github.com/Hikari-project/FD-Reid/internal/geometry"
)

type SourceStatus string

const (
	SourceStatusStarting SourceStatus = "starting"
	SourceStatusRunning  SourceStatus = "running"
	SourceStatusStopped  SourceStatus = "stopped"
	SourceStatusError    SourceStatus = "error"
)

// SourceInfo describes a running camera source and who is where right now.
type SourceInfo struct {
	ID        string                `json:"id"`
	URL       string                `json:"url"`
	Status    SourceStatus          `json:"status"`
	Error     string                `json:"error,omitempty"`
	Presence  map[geometry.Zone]int `json:"presence"`
	Frames    int64                 `json:"frames"`
	StartedAt time.Time             `json:"started_at"`
}

type ControlAction string

const (
	ControlStart ControlAction = "start"
	ControlStop  ControlAction = "stop"
	ControlZone  ControlAction = "zone"
)

// ControlCommand is published on the control subject to drive workers.
type ControlCommand struct {
	Action   ControlAction        `json:"action"`
	SourceID string               `json:"source_id"`
	URL      string               `json:"url,omitempty"`
	FPS      int                  `json:"fps,omitempty"`
	Zone     *geometry.ZoneConfig `json:"zone,omitempty"`
}

// Control reply codes.
const (
	ReplyBadRequest = "bad_request"
	ReplyNotFound   = "not_found"
	ReplyConflict   = "conflict"
	ReplyFailed     = "failed"
)

// ControlReply is the worker's answer to a ControlCommand.
type ControlReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}
