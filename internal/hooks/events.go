package hooks

import (
	"time"

	"github.com/marcus/vigil/internal/workitem"
)

// EventType classifies hook run lifecycle events.
type EventType int

const (
	EventRunStart    EventType = iota // hook set resolved, execution begins
	EventTierStart                    // a priority tier starts
	EventHookEnd                      // one hook reached a terminal state
	EventTierEnd                      // every hook in the tier finished
	EventTierSkipped                  // tier not started because of the failure policy
	EventRunEnd                       // aggregate result ready
)

// Event carries data about a hook run as it progresses.
type Event struct {
	Type     EventType
	Time     time.Time
	RunID    string
	Event    string // lifecycle event name, e.g. "pre-commit"
	Subject  string
	Tier     workitem.Priority
	Hook     string
	Status   workitem.Status
	Duration time.Duration
	Failed   int // failures so far in the run
	Error    string
}

// EventHandler receives hook run events.
type EventHandler func(Event)
