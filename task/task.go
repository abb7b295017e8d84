package task

import (
	"time"

	"visionaid/pipeline"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

type Task struct {
	ID          string           `json:"id"`
	Status      Status           `json:"status"`
	Progress    int              `json:"progress"`
	Result      *pipeline.Result `json:"result,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
	CompletedAt time.Time        `json:"completedAt,omitempty"`
}

// Patch is a partial update. Nil fields are left unchanged.
type Patch struct {
	Status   *Status
	Progress *int
	Result   *pipeline.Result
}

func StatusPatch(s Status) Patch { return Patch{Status: &s} }

func ProgressPatch(p int) Patch { return Patch{Progress: &p} }

// FinishPatch moves a task to its terminal status together with its result.
func FinishPatch(r pipeline.Result) Patch {
	s := StatusFailed
	if r.OK() {
		s = StatusSucceeded
	}
	return Patch{Status: &s, Result: &r}
}

// apply mutates t in place. Progress never decreases and is clamped to
// 0..100; terminal statuses force it to 100.
func (t *Task) apply(p Patch, now time.Time) {
	if p.Progress != nil {
		v := *p.Progress
		if v < 0 {
			v = 0
		}
		if v > 100 {
			v = 100
		}
		if v > t.Progress {
			t.Progress = v
		}
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Result != nil {
		r := *p.Result
		t.Result = &r
	}
	if t.Status.Terminal() {
		t.Progress = 100
		if t.CompletedAt.IsZero() {
			t.CompletedAt = now
		}
	}
	t.UpdatedAt = now
}
