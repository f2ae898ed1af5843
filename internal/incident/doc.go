// Package incident owns the incident lifecycle: the state machine with its
// timestamp bookkeeping and derived MTTA/MTTR, the append-only timeline and
// notes, and the Manager through which every incident mutation flows.
package incident
