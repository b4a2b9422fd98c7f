package api

import (
	"time"

	"github.com/shopspring/decimal"

	"pollscan/pkg/types"
)

// Event types pushed over the WebSocket.
const (
	EventSnapshot     = "snapshot"
	EventProgress     = "progress"
	EventPolls        = "polls"
	EventPollResolved = "poll_resolved"
	EventMarkets      = "markets"
	EventPositions    = "positions"
)

// Progress sources.
const (
	SourcePolls     = "polls"
	SourceMarkets   = "markets"
	SourcePositions = "positions"
)

// DashboardEvent is the wrapper for all events sent to the dashboard
type DashboardEvent struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Poll      string    `json:"poll,omitempty"` // poll address for per-poll events
	Data      any       `json:"data"`
}

// ProgressEvent reports a running scan.
type ProgressEvent struct {
	Source  string      `json:"source"` // "polls", "markets" or "positions"
	Phase   types.Phase `json:"phase"`
	Done    int         `json:"done"`
	Total   int         `json:"total"`
	Percent int         `json:"percent"`
}

// PollsEvent is emitted when a poll refresh publishes a snapshot.
type PollsEvent struct {
	Count        int   `json:"count"`
	CurrentEpoch int64 `json:"current_epoch"`
	Refreshing   bool  `json:"refreshing"`
}

// ResolvedEvent is emitted once per poll leaving Pending.
type ResolvedEvent struct {
	ID       string `json:"id"`
	Question string `json:"question"`
	Status   string `json:"status"`
}

// MarketsEvent is emitted after the markets index is reloaded.
type MarketsEvent struct {
	Polls int `json:"polls"`
}

// PositionsEvent is emitted after a position scan or single-poll refresh.
type PositionsEvent struct {
	Wallet     string          `json:"wallet"`
	Count      int             `json:"count"`
	TotalValue decimal.Decimal `json:"total_value"`
}

// NewProgressEvent wraps a scan's progress.
func NewProgressEvent(source string, p types.Progress) DashboardEvent {
	return DashboardEvent{
		Type:      EventProgress,
		Timestamp: time.Now(),
		Data: ProgressEvent{
			Source:  source,
			Phase:   p.Phase,
			Done:    p.Done,
			Total:   p.Total,
			Percent: p.Percent(),
		},
	}
}

// NewResolvedEvent converts an activity entry.
func NewResolvedEvent(e types.ActivityEntry) DashboardEvent {
	return DashboardEvent{
		Type:      EventPollResolved,
		Timestamp: e.At,
		Poll:      e.PollAddress.Hex(),
		Data: ResolvedEvent{
			ID:       e.ID,
			Question: e.Question,
			Status:   e.Status.String(),
		},
	}
}

// NewPollsEvent summarizes a poll snapshot.
func NewPollsEvent(count int, currentEpoch int64, refreshing bool) DashboardEvent {
	return DashboardEvent{
		Type:      EventPolls,
		Timestamp: time.Now(),
		Data:      PollsEvent{Count: count, CurrentEpoch: currentEpoch, Refreshing: refreshing},
	}
}

// NewMarketsEvent summarizes an index reload.
func NewMarketsEvent(polls int) DashboardEvent {
	return DashboardEvent{
		Type:      EventMarkets,
		Timestamp: time.Now(),
		Data:      MarketsEvent{Polls: polls},
	}
}

// NewPositionsEvent summarizes a positions snapshot.
func NewPositionsEvent(wallet string, count int, total decimal.Decimal) DashboardEvent {
	return DashboardEvent{
		Type:      EventPositions,
		Timestamp: time.Now(),
		Data:      PositionsEvent{Wallet: wallet, Count: count, TotalValue: total},
	}
}
