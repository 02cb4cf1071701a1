package pool

import (
	"fmt"
	"strings"
)

type Event string

const (
	EventAdd    Event = "add"
	EventSpawn  Event = "spawn"
	EventReady  Event = "ready"
	EventAssign Event = "assign"
	EventDone   Event = "done"
	EventRetry  Event = "retry"
	EventFailed Event = "failed"
	EventDown   Event = "down"
	EventIdle   Event = "idle"
)

// Status is a change in the pool, reported through Config.OnStatus.
type Status struct {
	Event  Event
	Worker string
	Job    string
	Task   string
	Err    error
}

func (s Status) String() string {
	var b strings.Builder
	b.WriteString(string(s.Event))
	if s.Worker != "" {
		fmt.Fprintf(&b, " %s", s.Worker)
	}
	if s.Job != "" {
		fmt.Fprintf(&b, " %s", s.Job)
	}
	if s.Task != "" {
		fmt.Fprintf(&b, " (%s)", s.Task)
	}
	if s.Err != nil {
		fmt.Fprintf(&b, ": %v", s.Err)
	}
	return b.String()
}

// Stats is a snapshot of the pool.
type Stats struct {
	Workers int
	Queued  int
	Active  int
}
