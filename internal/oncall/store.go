package oncall

import "context"

// Store is the persistence interface for schedules, overrides and the audit
// history. Schedules and overrides are keyed by team.
type Store interface {
	// PutSchedule creates or replaces the team's schedule.
	PutSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, team string) (*Schedule, bool, error)
	ListSchedules(ctx context.Context) ([]Schedule, error)

	// DeleteSchedule removes the schedule and the team's override. It
	// reports false when the team had no schedule.
	DeleteSchedule(ctx context.Context, team string) (bool, error)

	// PutOverride creates or replaces the team's override.
	PutOverride(ctx context.Context, o *Override) error
	GetOverride(ctx context.Context, team string) (*Override, bool, error)
	DeleteOverride(ctx context.Context, team string) (bool, error)
	ListOverrides(ctx context.Context) ([]Override, error)

	AppendHistory(ctx context.Context, ev *HistoryEvent) error

	// ListHistory returns matching events, newest first, at most f.Limit.
	ListHistory(ctx context.Context, f HistoryFilter) ([]HistoryEvent, error)

	// HistoryCounts returns the number of stored events per type.
	HistoryCounts(ctx context.Context) (map[HistoryType]int, error)
}
