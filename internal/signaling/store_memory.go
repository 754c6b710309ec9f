package signaling

import (
	"context"
	"sync"
	"time"

	"teletherapy-calls/internal/calls"
	"teletherapy-calls/internal/metrics"
)

// MemoryStore keeps call records in process.
//
// It serves tests and the single-process local deployment (CALL_STORE=memory).
// Fan-out happens under the store lock so per-record delivery order equals
// commit order.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]calls.Record
	watchers map[string]map[*Feed]struct{}
	incoming map[string]map[*Feed]struct{}

	buffer int
	err    error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]calls.Record),
		watchers: make(map[string]map[*Feed]struct{}),
		incoming: make(map[string]map[*Feed]struct{}),
		buffer:   DefaultFeedBuffer,
	}
}

// SetBuffer changes the queue length of feeds opened afterwards.
func (s *MemoryStore) SetBuffer(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buffer = n
}

// Fail makes every operation return err until cleared with Fail(nil).
// Used to simulate an unreachable store.
func (s *MemoryStore) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// DropWatchers ends every open feed with calls.ErrSubscriptionLost, as a
// broken store connection would.
func (s *MemoryStore) DropWatchers() {
	s.mu.Lock()
	var feeds []*Feed
	for _, set := range s.watchers {
		for f := range set {
			feeds = append(feeds, f)
		}
	}
	for _, set := range s.incoming {
		for f := range set {
			feeds = append(feeds, f)
		}
	}
	s.mu.Unlock()

	for _, f := range feeds {
		f.Fail(calls.ErrSubscriptionLost)
	}
}

func (s *MemoryStore) Create(ctx context.Context, rec calls.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if _, ok := s.records[rec.ID]; ok {
		return calls.ErrInvalidArgument
	}
	rec.Version = 1
	s.records[rec.ID] = rec
	s.fanOutLocked(s.incoming, rec.CalleeID, rec, "incoming")
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (calls.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return calls.Record{}, s.err
	}
	rec, ok := s.records[id]
	if !ok {
		return calls.Record{}, calls.ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Transition(ctx context.Context, id string, rule calls.Rule, at time.Time) (TransitionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return TransitionResult{}, s.err
	}
	rec, ok := s.records[id]
	if !ok {
		return TransitionResult{}, calls.ErrNotFound
	}

	res := TransitionResult{Record: rec, From: rec.Status}
	switch {
	case rule.IsNoop(rec.Status):
		res.Noop = true
		return res, nil
	case !rule.Allows(rec.Status):
		return res, calls.ErrInvalidTransition
	}

	rec.Status = rule.To
	rec.UpdatedAt = at
	rec.Version++
	s.records[id] = rec
	s.fanOutLocked(s.watchers, id, rec, "call")

	res.Record = rec
	return res, nil
}

func (s *MemoryStore) UpdateMedia(ctx context.Context, id string, side calls.Side, state calls.MediaState, at time.Time) (calls.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return calls.Record{}, s.err
	}
	rec, ok := s.records[id]
	if !ok {
		return calls.Record{}, calls.ErrNotFound
	}
	if rec.Status != calls.StatusAccepted {
		return rec, calls.ErrInvalidTransition
	}

	st := state
	if side == calls.SideCaller {
		rec.CallerMedia = &st
	} else {
		rec.CalleeMedia = &st
	}
	rec.UpdatedAt = at
	rec.Version++
	s.records[id] = rec
	s.fanOutLocked(s.watchers, id, rec, "call")
	return rec, nil
}

func (s *MemoryStore) Watch(ctx context.Context, id string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	rec, ok := s.records[id]
	if !ok {
		return nil, calls.ErrNotFound
	}

	f := s.addLocked(s.watchers, id, "call")
	f.Publish(rec)
	return f, nil
}

func (s *MemoryStore) WatchIncoming(ctx context.Context, calleeID string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.addLocked(s.incoming, calleeID, "incoming"), nil
}

func (s *MemoryStore) addLocked(index map[string]map[*Feed]struct{}, key, kind string) *Feed {
	var f *Feed
	f = NewFeed(s.buffer, func() {
		metrics.Subscriptions.WithLabelValues(kind).Dec()
		s.remove(index, key, f)
	})
	if index[key] == nil {
		index[key] = make(map[*Feed]struct{})
	}
	index[key][f] = struct{}{}
	metrics.Subscriptions.WithLabelValues(kind).Inc()
	return f
}

func (s *MemoryStore) remove(index map[string]map[*Feed]struct{}, key string, f *Feed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(index[key], f)
	if len(index[key]) == 0 {
		delete(index, key)
	}
}

func (s *MemoryStore) fanOutLocked(index map[string]map[*Feed]struct{}, key string, rec calls.Record, kind string) {
	for f := range index[key] {
		if f.Publish(rec) {
			continue
		}
		if f.Err() != nil {
			metrics.SubscriptionsLost.WithLabelValues(kind).Inc()
		}
		delete(index[key], f)
	}
	if len(index[key]) == 0 {
		delete(index, key)
	}
}
