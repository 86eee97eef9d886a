package async

import (
	"context"
	"errors"
	"sync"
	"time"
)

// LaneSet keeps one Lane per key. Lanes are created on first use and closed
// when removed or after sitting idle.
type LaneSet struct {
	ctx     context.Context
	prefix  string
	size    int
	timeout time.Duration
	now     func() time.Time

	mu     sync.Mutex
	closed bool
	lanes  map[string]*laneEntry
}

type laneEntry struct {
	lane     *Lane
	lastUsed time.Time
}

// NewLaneSet creates an empty set. Lanes are named prefix+key.
func NewLaneSet(ctx context.Context, prefix string, size int, timeout time.Duration) *LaneSet {
	return &LaneSet{
		ctx:     ctx,
		prefix:  prefix,
		size:    size,
		timeout: timeout,
		now:     time.Now,
		lanes:   make(map[string]*laneEntry),
	}
}

func (s *LaneSet) get(key string) (*Lane, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrLaneClosed
	}
	e, ok := s.lanes[key]
	if !ok {
		e = &laneEntry{lane: NewLane(s.ctx, s.prefix+key, s.size, s.timeout)}
		s.lanes[key] = e
	}
	e.lastUsed = s.now()
	return e.lane, nil
}

// TrySubmit queues fn on the key's lane without blocking
func (s *LaneSet) TrySubmit(key string, fn func(context.Context) error) error {
	// a lane evicted between lookup and submit is replaced once
	for attempt := 0; ; attempt++ {
		l, err := s.get(key)
		if err != nil {
			return err
		}
		err = l.TrySubmit(fn)
		if !errors.Is(err, ErrLaneClosed) || attempt > 0 {
			return err
		}
	}
}

// Submit queues fn on the key's lane, waiting for room until ctx is done
func (s *LaneSet) Submit(ctx context.Context, key string, fn func(context.Context) error) error {
	for attempt := 0; ; attempt++ {
		l, err := s.get(key)
		if err != nil {
			return err
		}
		err = l.Submit(ctx, fn)
		if !errors.Is(err, ErrLaneClosed) || attempt > 0 {
			return err
		}
	}
}

// Len returns the number of open lanes
func (s *LaneSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.lanes)
}

// Has reports whether key has an open lane
func (s *LaneSet) Has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.lanes[key]
	return ok
}

// Remove closes the key's lane in the background after its queue drains
func (s *LaneSet) Remove(key string, drain time.Duration) {
	s.mu.Lock()
	e := s.lanes[key]
	delete(s.lanes, key)
	s.mu.Unlock()
	if e != nil {
		closeInBackground(e.lane, drain)
	}
}

// EvictIdle closes empty lanes unused for longer than idle and returns how
// many were closed
func (s *LaneSet) EvictIdle(idle time.Duration, drain time.Duration) int {
	cutoff := s.now().Add(-idle)

	s.mu.Lock()
	var evicted []*Lane
	for key, e := range s.lanes {
		if e.lastUsed.Before(cutoff) && e.lane.Len() == 0 {
			evicted = append(evicted, e.lane)
			delete(s.lanes, key)
		}
	}
	s.mu.Unlock()

	for _, l := range evicted {
		closeInBackground(l, drain)
	}
	return len(evicted)
}

// Lanes returns a snapshot of the open lanes
func (s *LaneSet) Lanes() []*Lane {
	s.mu.Lock()
	defer s.mu.Unlock()
	lanes := make([]*Lane, 0, len(s.lanes))
	for _, e := range s.lanes {
		lanes = append(lanes, e.lane)
	}
	return lanes
}

// Close stops accepting work and closes every lane
func (s *LaneSet) Close(timeout time.Duration) error {
	s.mu.Lock()
	s.closed = true
	lanes := s.lanes
	s.lanes = make(map[string]*laneEntry)
	s.mu.Unlock()

	var errs []error
	for _, e := range lanes {
		if err := e.lane.Close(timeout); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func closeInBackground(l *Lane, drain time.Duration) {
	SafeGo(context.Background(), 2*drain, "close "+l.name, func(context.Context) error {
		return l.Close(drain)
	})
}
