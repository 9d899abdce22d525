package cron

import (
	"time"

	"github.com/google/uuid"
)

// Schedule describes when a job fires. Exactly one of the kinds is used:
// "cron" with a spec expression, "every" with a repeat interval, or "at"
// with a one-shot wall-clock time.
type Schedule struct {
	Kind    string `json:"kind"`
	Expr    string `json:"expr,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
	AtMs    int64  `json:"atMs,omitempty"`
}

// Every builds a repeating schedule.
func Every(d time.Duration) Schedule {
	return Schedule{Kind: "every", EveryMs: d.Milliseconds()}
}

// Spec builds a cron-expression schedule (with seconds field).
func Spec(expr string) Schedule {
	return Schedule{Kind: "cron", Expr: expr}
}

// At builds a one-shot schedule.
func At(t time.Time) Schedule {
	return Schedule{Kind: "at", AtMs: t.UnixMilli()}
}

// Payload carries what a job does when it fires. System jobs name a
// maintenance action; message jobs deliver a reminder to a chat.
type Payload struct {
	Kind    string `json:"kind"` // "system" or "message"
	Action  string `json:"action,omitempty"`
	Channel string `json:"channel,omitempty"`
	ChatID  string `json:"chatId,omitempty"`
	Message string `json:"message,omitempty"`
}

// Payload kinds.
const (
	PayloadSystem  = "system"
	PayloadMessage = "message"
)

// Maintenance actions driven by the gateway.
const (
	ActionProbe     = "probe"
	ActionReconcile = "reconcile"
	ActionSummarize = "summarize"
)

// JobState records the job's last execution for the status surface.
type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

// Job is a persisted scheduled task.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	Enabled        bool     `json:"enabled"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	State          JobState `json:"state"`
	CreatedAtMs    int64    `json:"createdAtMs"`
}

func NewJob(name string, schedule Schedule, payload Payload) Job {
	return Job{
		ID:          uuid.NewString(),
		Name:        name,
		Schedule:    schedule,
		Payload:     payload,
		Enabled:     true,
		CreatedAtMs: time.Now().UnixMilli(),
	}
}
