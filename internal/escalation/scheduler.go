package escalation

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/emberhq/go-emergency-response/internal/models"
)

// FireFunc delivers a lapsed deadline. Implemented by the bridge as an
// escalate command enqueue; an error means delivery failed and the entry
// is re-armed shortly, never dropped — the SLA guarantee depends on it.
type FireFunc func(alertID string, tier int) error

const (
	idleWait      = time.Hour // timer park when the heap is empty
	fireRetryWait = time.Second
)

// Scheduler tracks at most one pending deadline per alert in a min-heap
// and drives a single timer goroutine off the earliest one. Arm atomically
// replaces any existing entry; Cancel is best-effort — a fire already
// dispatched still applies downstream as a harmless duplicate.
type Scheduler struct {
	fire FireFunc
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	pq      deadlineHeap
	wake    chan struct{}
	wg      sync.WaitGroup
}

type entry struct {
	alertID  string
	deadline time.Time
	tier     int
	index    int
	removed  bool
}

func NewScheduler(fire FireFunc) *Scheduler {
	return &Scheduler{
		fire:    fire,
		now:     time.Now,
		entries: make(map[string]*entry),
		wake:    make(chan struct{}, 1),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

func (s *Scheduler) Stop() {
	s.wg.Wait()
}

// Arm schedules (or replaces) the deadline for an alert.
func (s *Scheduler) Arm(alertID string, deadline time.Time, tier int) {
	s.mu.Lock()
	if old, ok := s.entries[alertID]; ok {
		old.removed = true
	}
	e := &entry{alertID: alertID, deadline: deadline, tier: tier}
	s.entries[alertID] = e
	heap.Push(&s.pq, e)
	s.mu.Unlock()

	s.signal()
}

// Cancel drops the pending deadline for an alert, if any.
func (s *Scheduler) Cancel(alertID string) {
	s.mu.Lock()
	if e, ok := s.entries[alertID]; ok {
		e.removed = true
		delete(s.entries, alertID)
	}
	s.mu.Unlock()

	s.signal()
}

// Pending reports the number of alerts with an outstanding deadline.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Rebuild re-arms deadlines for active alerts after a restart; deadlineFor
// computes each alert's deadline from its persisted status and transition
// time. An alert whose deadline lapsed while the scheduler was down fires
// immediately rather than being skipped.
func (s *Scheduler) Rebuild(alerts []models.Alert, deadlineFor func(models.Alert) time.Time) {
	for _, a := range alerts {
		s.Arm(a.ID, deadlineFor(a), a.Tier)
	}
	slog.Info("escalation deadlines rebuilt", "pending", s.Pending())
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	timer := time.NewTimer(idleWait)
	defer timer.Stop()

	for {
		for {
			e := s.popDue()
			if e == nil {
				break
			}
			if err := s.fire(e.alertID, e.tier); err != nil {
				slog.Warn("escalation delivery failed, re-arming",
					"alert_id", e.alertID, "tier", e.tier, "error", err)
				s.Arm(e.alertID, s.now().Add(fireRetryWait), e.tier)
			}
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.untilNext())

		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		case <-timer.C:
		}
	}
}

// popDue removes and returns one lapsed entry, discarding tombstones.
func (s *Scheduler) popDue() *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for s.pq.Len() > 0 {
		top := s.pq[0]
		if top.removed {
			heap.Pop(&s.pq)
			continue
		}
		if top.deadline.After(now) {
			return nil
		}
		heap.Pop(&s.pq)
		delete(s.entries, top.alertID)
		return top
	}
	return nil
}

func (s *Scheduler) untilNext() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	for s.pq.Len() > 0 {
		top := s.pq[0]
		if top.removed {
			heap.Pop(&s.pq)
			continue
		}
		wait := time.Until(top.deadline)
		if wait < 0 {
			wait = 0
		}
		return wait
	}
	return idleWait
}

type deadlineHeap []*entry

func (h deadlineHeap) Len() int            { return len(h) }
func (h deadlineHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h deadlineHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *deadlineHeap) Push(x any)         { e := x.(*entry); e.index = len(*h); *h = append(*h, e) }
func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return e
}
