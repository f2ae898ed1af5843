// Package alert defines the alert record, the severity scale, the dedup
// fingerprint and the persistence interface for raw alerts.
package alert
