// Package memstore provides an in-memory implementation of the alert,
// incident, on-call and escalation stores. Suitable for dev/testing and
// single-replica deployments without a database.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/linnemanlabs/oncall/internal/alert"
	"github.com/linnemanlabs/oncall/internal/escalation"
	"github.com/linnemanlabs/oncall/internal/incident"
	"github.com/linnemanlabs/oncall/internal/oncall"
)

// DefaultMaxHistory bounds the on-call audit history.
const DefaultMaxHistory = 10000

// Store holds all platform state in memory. Each record family has its own
// lock; an incident update may write escalation records without holding
// more than one of them at a time.
type Store struct {
	alertMu     sync.RWMutex
	alerts      map[string]*alert.Alert // alert ID -> alert
	alertOrder  []string                // insertion order
	fingerprint map[string][]string     // fingerprint -> alert IDs

	incMu     sync.RWMutex
	incidents map[string]*incident.Incident
	timeline  map[string][]incident.Event
	notes     map[string][]incident.Note

	oncallMu   sync.RWMutex
	schedules  map[string]*oncall.Schedule // team -> schedule
	overrides  map[string]*oncall.Override // team -> override
	history    []oncall.HistoryEvent
	maxHistory int

	escMu       sync.RWMutex
	escalations []escalation.Record
}

var (
	_ alert.Store      = (*Store)(nil)
	_ incident.Store   = (*Store)(nil)
	_ oncall.Store     = (*Store)(nil)
	_ escalation.Store = (*Store)(nil)
)

// New initializes an empty Store.
func New() *Store {
	return &Store{
		alerts:      make(map[string]*alert.Alert),
		fingerprint: make(map[string][]string),
		incidents:   make(map[string]*incident.Incident),
		timeline:    make(map[string][]incident.Event),
		notes:       make(map[string][]incident.Note),
		schedules:   make(map[string]*oncall.Schedule),
		overrides:   make(map[string]*oncall.Override),
		maxHistory:  DefaultMaxHistory,
	}
}

// WithMaxHistory sets how many audit events are kept. Older ones are dropped.
func (s *Store) WithMaxHistory(n int) *Store {
	if n > 0 {
		s.maxHistory = n
	}
	return s
}

// txKey carries writes made by an UpdateFunc until the update commits.
type txKey struct{}

type tx struct {
	escalations []escalation.Record
	alerts      []*alert.Alert
}

// commit applies the writes buffered in t. Callers hold incMu; the alert
// and escalation locks are taken here, one at a time.
func (s *Store) commit(t *tx) error {
	if len(t.alerts) > 0 {
		s.alertMu.Lock()
		for _, a := range t.alerts {
			if _, exists := s.alerts[a.ID]; exists {
				s.alertMu.Unlock()
				return fmt.Errorf("alert %s already exists", a.ID)
			}
		}
		for _, a := range t.alerts {
			_ = s.insertAlert(a)
		}
		s.alertMu.Unlock()
	}
	if len(t.escalations) > 0 {
		s.escMu.Lock()
		s.escalations = append(s.escalations, t.escalations...)
		s.escMu.Unlock()
	}
	return nil
}

func txFrom(ctx context.Context) *tx {
	t, _ := ctx.Value(txKey{}).(*tx)
	return t
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
