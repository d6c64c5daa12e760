package mqtt

import (
	"sync"
	"time"

	"github.com/nugget/moodmender/internal/events"
)

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	InputTokens  int64
	OutputTokens int64
	Requests     int64
	Turns        int64
	FailedTurns  int64
	ToolCalls    int64
	Connections  int64
	LastTurn     time.Time
}

// Stats accumulates daily usage counters that reset at local midnight,
// plus a live count of open websocket connections. It implements
// llm.TokenObserver and is safe for concurrent use.
type Stats struct {
	mu   sync.Mutex
	cur  Snapshot
	day  string
	loc  *time.Location
	now  func() time.Time
	open int64
}

// NewStats returns a Stats using loc for midnight detection. A nil loc
// means [time.Local].
func NewStats(loc *time.Location) *Stats {
	if loc == nil {
		loc = time.Local
	}
	s := &Stats{loc: loc, now: time.Now}
	s.day = s.today()
	return s
}

func (s *Stats) today() string {
	return s.now().In(s.loc).Format(time.DateOnly)
}

// OnTokens records one completed model request.
func (s *Stats) OnTokens(inputTokens, outputTokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.maybeReset()
	s.cur.InputTokens += int64(inputTokens)
	s.cur.OutputTokens += int64(outputTokens)
	s.cur.Requests++
}

// Observe folds a bus event into the counters.
func (s *Stats) Observe(e events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.maybeReset()
	switch e.Kind {
	case events.KindConnectionOpen:
		s.open++
	case events.KindConnectionClose:
		if s.open > 0 {
			s.open--
		}
	case events.KindToolDone:
		s.cur.ToolCalls++
	case events.KindTurnComplete:
		s.cur.Turns++
		if ok, _ := e.Data["ok"].(bool); !ok {
			s.cur.FailedTurns++
		}
		s.cur.LastTurn = e.Timestamp
	}
}

// Snapshot returns the current totals after checking for rollover.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.maybeReset()
	out := s.cur
	out.Connections = s.open
	return out
}

// maybeReset zeroes the daily counters when the local date changes.
// The connection gauge and last turn time carry over. Caller holds
// s.mu.
func (s *Stats) maybeReset() {
	today := s.today()
	if today == s.day {
		return
	}
	s.cur = Snapshot{LastTurn: s.cur.LastTurn}
	s.day = today
}
