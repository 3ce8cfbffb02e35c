// Package trigger abstracts the event transport that delivers "execute
// job X" and "process queue item Y" signals into the core. Handlers must
// be idempotent: delivery may happen more than once per event, and the
// current-state guards in the services make the second delivery a no-op.
package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	SubjectJobExecute      = "relay.job.execute"
	SubjectQueueProcess    = "relay.queue.process"
	SubjectDeadLetterSweep = "relay.deadletter.sweep"
)

type Event struct {
	ID        string    `json:"id"`
	Subject   string    `json:"subject"`
	JobID     uint      `json:"job_id,omitempty"`
	ItemID    uint      `json:"item_id,omitempty"`
	Actor     string    `json:"actor,omitempty"`
	EmittedAt time.Time `json:"emitted_at"`
}

// NewEvent stamps a fresh event ID.
func NewEvent(subject string) Event {
	return Event{ID: uuid.New().String(), Subject: subject, EmittedAt: time.Now()}
}

type Handler func(ctx context.Context, evt Event)

type Bus interface {
	Enqueue(ctx context.Context, evt Event) error
	Subscribe(subject string, handler Handler) error
	Close() error
}

// Clock lets the sweep loops and eligibility checks run against a fake
// time source in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func SystemClock() Clock { return systemClock{} }

// FakeClock is a manually advanced clock for tests.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}
