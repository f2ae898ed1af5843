// Package correlation deduplicates incoming alerts and groups them into
// incidents.
package correlation

import (
	"sort"
	"time"

	"github.com/linnemanlabs/oncall/internal/alert"
	"github.com/linnemanlabs/oncall/internal/incident"
)

// Match picks the incident a new alert belongs to, if any. Candidates must
// be unresolved, share the alert's service and severity, and have been
// created within window of the alert's timestamp (now when unset). The
// newest candidate wins; ties go to the lowest id.
func Match(existing []incident.Incident, a *alert.Alert, window time.Duration, now time.Time) (*incident.Incident, bool) {
	ref := a.Timestamp
	if ref.IsZero() {
		ref = now
	}

	var matches []incident.Incident
	for _, inc := range existing {
		if inc.Status == incident.StatusResolved {
			continue
		}
		if inc.Service != a.Service || inc.Severity != a.Severity {
			continue
		}
		if absDuration(ref.Sub(inc.CreatedAt)) > window {
			continue
		}
		matches = append(matches, inc)
	}
	if len(matches) == 0 {
		return nil, false
	}

	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.After(matches[j].CreatedAt)
		}
		return matches[i].ID < matches[j].ID
	})
	best := matches[0]
	return &best, true
}

// Key is the lock and correlation key of an alert.
func Key(a *alert.Alert) string {
	return a.Service + "|" + string(a.Severity)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
