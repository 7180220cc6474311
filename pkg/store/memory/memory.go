// Package memory provides an in-process persistence gateway. It backs tests and
// single-process deployments where durability across restarts is not required.
package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/ArionMiles/receiptd/pkg/api"
)

// Store keeps transactions, mappings, failures and parse-log entries in memory.
// It is safe for concurrent use.
type Store struct {
	mu           sync.Mutex
	transactions map[api.Fingerprint]*api.Transaction
	order        []api.Fingerprint
	mappings     []api.OperatorMapping
	nextID       int64
	failures     map[api.Fingerprint]api.Failure
	outcomes     []api.Outcome
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		transactions: make(map[api.Fingerprint]*api.Transaction),
		failures:     make(map[api.Fingerprint]api.Failure),
	}
}

// Exists reports whether fp is stored.
func (s *Store) Exists(_ context.Context, fp api.Fingerprint) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.transactions[fp]
	return ok, nil
}

// InsertIfAbsent stores a copy of tx unless its fingerprint is present.
func (s *Store) InsertIfAbsent(_ context.Context, tx *api.Transaction) (api.InsertOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactions[tx.Fingerprint]; ok {
		return api.Duplicate, nil
	}
	stored := *tx
	s.transactions[tx.Fingerprint] = &stored
	s.order = append(s.order, tx.Fingerprint)
	// A message that finally made it in is no longer a failure.
	delete(s.failures, tx.Fingerprint)
	return api.Inserted, nil
}

// Transactions returns the stored transactions in insertion order.
func (s *Store) Transactions() []api.Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]api.Transaction, 0, len(s.order))
	for _, fp := range s.order {
		out = append(out, *s.transactions[fp])
	}
	return out
}

// ActiveMappings returns the active mapping rows.
func (s *Store) ActiveMappings(_ context.Context) ([]api.OperatorMapping, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []api.OperatorMapping
	for _, m := range s.mappings {
		if m.IsActive {
			out = append(out, m)
		}
	}
	return out, nil
}

// ReplaceMappings swaps the whole reference table.
func (s *Store) ReplaceMappings(_ context.Context, rows []api.OperatorMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mappings = s.mappings[:0]
	for _, m := range rows {
		s.nextID++
		m.ID = s.nextID
		s.mappings = append(s.mappings, m)
	}
	return nil
}

// UpsertMappings inserts rows, replacing any existing row with the same pattern.
// It returns how many rows were newly inserted.
func (s *Store) UpsertMappings(_ context.Context, rows []api.OperatorMapping) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	for _, m := range rows {
		idx := slices.IndexFunc(s.mappings, func(e api.OperatorMapping) bool { return e.Pattern == m.Pattern })
		if idx >= 0 {
			m.ID = s.mappings[idx].ID
			s.mappings[idx] = m
			continue
		}
		s.nextID++
		m.ID = s.nextID
		s.mappings = append(s.mappings, m)
		inserted++
	}
	return inserted, nil
}

// RetainFailure records f, replacing an earlier failure for the same fingerprint.
func (s *Store) RetainFailure(_ context.Context, f api.Failure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[f.Fingerprint] = f
	return nil
}

// Failures returns the retained failures.
func (s *Store) Failures() []api.Failure {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]api.Failure, 0, len(s.failures))
	for _, f := range s.failures {
		out = append(out, f)
	}
	return out
}

// WriteOutcomes appends parse-log entries.
func (s *Store) WriteOutcomes(_ context.Context, outcomes []api.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = append(s.outcomes, outcomes...)
	return nil
}

// Outcomes returns the parse-log entries written so far.
func (s *Store) Outcomes() []api.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.outcomes)
}

// Counts summarizes stored transactions and retained failures.
func (s *Store) Counts(_ context.Context) (api.Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := api.Counts{Persisted: int64(len(s.transactions))}
	for _, f := range s.failures {
		switch f.State {
		case api.StateParseFailed:
			c.Unparseable++
		case api.StateDeadLetter:
			c.DeadLettered++
		}
	}
	return c, nil
}
