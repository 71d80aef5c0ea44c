package lifecycle

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/triagegate/internal/incident"
)

// State is a lifecycle position.
type State string

const (
	StateDetected       State = "DETECTED"
	StateAnalyzing      State = "ANALYZING"
	StatePendingSlack   State = "PENDING_SLACK"
	StateReadyToExecute State = "READY_TO_EXECUTE"
	StateLearning       State = "LEARNING"
	StateResolved       State = "RESOLVED"
)

// States lists every state in lifecycle order.
var States = []State{
	StateDetected, StateAnalyzing, StatePendingSlack,
	StateReadyToExecute, StateLearning, StateResolved,
}

var (
	// ErrDuplicate is returned when an item id is already queued.
	ErrDuplicate = errors.New("incident already queued")
	// ErrNotFound is returned for an unknown item id.
	ErrNotFound = errors.New("incident not queued")
	// ErrConflict is returned when an item changed since it was read.
	ErrConflict = errors.New("incident modified concurrently")
)

// Item is one queued incident. Values returned by Queue are copies; change
// an item only through Queue.Commit.
type Item struct {
	ID       string            `json:"id"`
	Pattern  string            `json:"pattern,omitempty"`
	Incident incident.Incident `json:"incident"`
	State    State             `json:"state"`

	JiraKey string                 `json:"jira_key,omitempty"`
	Plan    *incident.Plan         `json:"plan,omitempty"`
	Stress  *incident.StressResult `json:"stress,omitempty"`
	Gate    *incident.GateDecision `json:"gate,omitempty"`

	SlackChannel string `json:"slack_channel,omitempty"`
	SlackTS      string `json:"slack_ts,omitempty"`

	Refused    bool   `json:"refused"`
	Overridden bool   `json:"overridden,omitempty"`
	Error      string `json:"error,omitempty"`

	Version   uint64    `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Action is the planner's proposed remediation, if any.
func (i Item) Action() string {
	if i.Plan == nil {
		return ""
	}
	return i.Plan.ProposedAction
}

// DisplayID is the ticket key when one was opened, else the incident id.
func (i Item) DisplayID() string {
	if i.JiraKey != "" {
		return i.JiraKey
	}
	return i.ID
}

// Active reports whether the item still needs work.
func (i Item) Active() bool {
	return i.State != StateResolved
}

// Queue stores items by id in arrival order. One lock guards every scan
// and every mutation; callers do slow work on copies and come back with
// Commit.
type Queue struct {
	mu    sync.Mutex
	items map[string]*Item
	order []string
	now   func() time.Time
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{items: make(map[string]*Item), now: time.Now}
}

// Add appends a new item in StateDetected.
func (q *Queue) Add(inc incident.Incident, pattern string) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.items[inc.ID]; ok {
		return Item{}, fmt.Errorf("%w: %s", ErrDuplicate, inc.ID)
	}
	now := q.now().UTC()
	it := &Item{
		ID:        inc.ID,
		Pattern:   pattern,
		Incident:  inc,
		State:     StateDetected,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	q.items[inc.ID] = it
	q.order = append(q.order, inc.ID)
	return *it, nil
}

// Get returns a copy of the item with id.
func (q *Queue) Get(id string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	it, ok := q.items[id]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// Items returns copies of every item in arrival order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, *q.items[id])
	}
	return out
}

// First returns the earliest item in any of states.
func (q *Queue) First(states ...State) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.order {
		it := q.items[id]
		for _, s := range states {
			if it.State == s {
				return *it, true
			}
		}
	}
	return Item{}, false
}

// InState returns every item in state, in arrival order.
func (q *Queue) InState(state State) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Item
	for _, id := range q.order {
		if it := q.items[id]; it.State == state {
			out = append(out, *it)
		}
	}
	return out
}

// ActiveCount counts items that are not resolved.
func (q *Queue) ActiveCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, it := range q.items {
		if it.Active() {
			n++
		}
	}
	return n
}

// HasPattern reports whether any item was created for pattern.
func (q *Queue) HasPattern(pattern string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.Pattern == pattern {
			return true
		}
	}
	return false
}

// Counts returns the number of items per state.
func (q *Queue) Counts() map[State]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	counts := make(map[State]int, len(States))
	for _, s := range States {
		counts[s] = 0
	}
	for _, it := range q.items {
		counts[it.State]++
	}
	return counts
}

// Commit applies mutate to the item if its version still equals version,
// then bumps the version. It returns the committed copy and the state the
// item was in before mutate ran.
func (q *Queue) Commit(id string, version uint64, mutate func(*Item)) (Item, State, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[id]
	if !ok {
		return Item{}, "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if it.Version != version {
		return *it, it.State, fmt.Errorf("%w: %s at version %d, expected %d", ErrConflict, id, it.Version, version)
	}
	from := it.State
	next := *it
	mutate(&next)
	next.ID = it.ID
	next.Version = it.Version + 1
	next.CreatedAt = it.CreatedAt
	next.UpdatedAt = q.now().UTC()
	*it = next
	return next, from, nil
}
