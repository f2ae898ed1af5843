// Package oncall manages team schedules and overrides and resolves who is
// on call at a given instant. Resolve is the pure rotation function; Service
// wraps it with persistence, audit history and handoff notifications.
package oncall
