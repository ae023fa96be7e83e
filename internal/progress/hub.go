package progress

import (
	"context"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/shiori/internal/model"
)

// subscriberBuffer is how many live entries a subscriber may fall behind
// before the hub starts dropping for it. Dropped entries are refilled from
// the store, so a slow subscriber loses latency, not data.
const subscriberBuffer = 64

// Hub fans out progress entries to live subscribers, keyed by run id.
type Hub struct {
	store LogStore

	mu   sync.Mutex
	subs map[uuid.UUID]map[*Subscription]struct{}
}

// NewHub creates a Hub. store is read for catch-up and gap filling.
func NewHub(store LogStore) *Hub {
	return &Hub{
		store: store,
		subs:  make(map[uuid.UUID]map[*Subscription]struct{}),
	}
}

// Publish delivers e to every subscriber of its run without blocking.
func (h *Hub) Publish(e model.ProgressEntry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subs[e.RunID] {
		select {
		case s.ch <- e:
		default:
		}
	}
}

// Close ends live delivery for a run. Subscribers drain what the store holds
// and then see io.EOF.
func (h *Hub) Close(runID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for s := range h.subs[runID] {
		close(s.ch)
	}
	delete(h.subs, runID)
}

// Subscribers returns the number of live subscribers for a run.
func (h *Hub) Subscribers(runID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[runID])
}

// Subscribe attaches to a run and loads its history. The subscriber is
// attached before history is read, so an entry appended in between arrives
// either in the history or live, and duplicates are dropped by seq.
//
// isTerminal is consulted when the history does not end with the final entry;
// a run that is already terminal then yields its history and io.EOF instead of
// waiting for live entries that will never come.
func (h *Hub) Subscribe(ctx context.Context, runID uuid.UUID, isTerminal func(context.Context) (bool, error)) (*Subscription, error) {
	s := &Subscription{
		hub:   h,
		runID: runID,
		ch:    make(chan model.ProgressEntry, subscriberBuffer),
	}
	h.mu.Lock()
	if h.subs[runID] == nil {
		h.subs[runID] = make(map[*Subscription]struct{})
	}
	h.subs[runID][s] = struct{}{}
	h.mu.Unlock()

	history, err := h.store.ListProgress(ctx, runID, 0)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.pending = history

	if n := len(history); n == 0 || !IsFinal(history[n-1]) {
		terminal, err := isTerminal(ctx)
		if err != nil {
			s.Close()
			return nil, err
		}
		if terminal {
			s.Close()
			s.drained = true
		}
	}
	return s, nil
}

// Subscription is one subscriber's ordered view of a run's progress.
// It is not safe for concurrent use.
type Subscription struct {
	hub   *Hub
	runID uuid.UUID
	ch    chan model.ProgressEntry

	pending []model.ProgressEntry
	lastSeq int64
	drained bool // no live entries will arrive
	done    bool // the final entry was delivered

	closeOnce sync.Once
}

// Next returns the next entry in seq order. It returns io.EOF once the run's
// log is complete, or ctx's error if ctx ends first.
func (s *Subscription) Next(ctx context.Context) (model.ProgressEntry, error) {
	for {
		for len(s.pending) > 0 {
			e := s.pending[0]
			s.pending = s.pending[1:]
			if e.Seq <= s.lastSeq {
				continue
			}
			s.lastSeq = e.Seq
			if IsFinal(e) {
				s.done = true
				s.pending = nil
			}
			return e, nil
		}
		if s.done {
			s.Close()
			return model.ProgressEntry{}, io.EOF
		}
		if s.drained {
			if err := s.fill(ctx); err != nil {
				return model.ProgressEntry{}, err
			}
			if len(s.pending) == 0 {
				s.done = true
			}
			continue
		}

		select {
		case e, ok := <-s.ch:
			if !ok {
				s.drained = true
				continue
			}
			switch {
			case e.Seq <= s.lastSeq:
			case e.Seq == s.lastSeq+1:
				s.pending = append(s.pending, e)
			default:
				// Missed entries: an overflowed buffer or a concurrent emitter
				// publishing out of order. The store has them all.
				if err := s.fill(ctx); err != nil {
					return model.ProgressEntry{}, err
				}
			}
		case <-ctx.Done():
			return model.ProgressEntry{}, ctx.Err()
		}
	}
}

func (s *Subscription) fill(ctx context.Context) error {
	entries, err := s.hub.store.ListProgress(ctx, s.runID, s.lastSeq)
	if err != nil {
		return err
	}
	s.pending = append(s.pending, entries...)
	return nil
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		subs := s.hub.subs[s.runID]
		if _, ok := subs[s]; !ok {
			return // already closed by Hub.Close
		}
		delete(subs, s)
		close(s.ch)
		if len(subs) == 0 {
			delete(s.hub.subs, s.runID)
		}
	})
}
