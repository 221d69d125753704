package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{t: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type scheduledCall struct {
	At      time.Time
	Payload Payload
	Handle  Handle
}

// recordingPort records schedule and cancel calls without firing anything
type recordingPort struct {
	mu          sync.Mutex
	next        int
	live        map[Handle]scheduledCall
	scheduled   []scheduledCall
	cancelled   []Handle
	listener    DeliveryListener
	listenerSet int
	failCancel  error
	failAfter   int // ScheduleAt fails once this many calls succeeded (0 = never)
}

func newRecordingPort() *recordingPort {
	return &recordingPort{live: make(map[Handle]scheduledCall)}
}

func (p *recordingPort) ScheduleAt(_ context.Context, at time.Time, payload Payload) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failAfter > 0 && len(p.scheduled) >= p.failAfter {
		return "", errors.New("notification service unavailable")
	}
	p.next++
	h := Handle(fmt.Sprintf("h%d", p.next))
	call := scheduledCall{At: at, Payload: payload, Handle: h}
	p.live[h] = call
	p.scheduled = append(p.scheduled, call)
	return h, nil
}

func (p *recordingPort) Cancel(_ context.Context, h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failCancel != nil {
		return p.failCancel
	}
	if _, ok := p.live[h]; !ok {
		return ErrDeliveryGone
	}
	delete(p.live, h)
	p.cancelled = append(p.cancelled, h)
	return nil
}

func (p *recordingPort) SetListener(l DeliveryListener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = l
	p.listenerSet++
}

// consume simulates the OS firing h
func (p *recordingPort) consume(h Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.live, h)
}

func (p *recordingPort) liveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

type memoryQueue struct {
	mu     sync.Mutex
	events []Event
	fail   error
}

func (q *memoryQueue) EnqueueEvent(_ context.Context, e Event) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.fail != nil {
		return q.fail
	}
	q.events = append(q.events, e)
	return nil
}

func (q *memoryQueue) all() []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Event(nil), q.events...)
}

type fakeAPI struct {
	mu         sync.Mutex
	deliveries []DeliveryDraft
	actions    []ActionDraft
	failCreate error
	failAction error
}

func (a *fakeAPI) CreateDelivery(_ context.Context, d DeliveryDraft) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failCreate != nil {
		return "", a.failCreate
	}
	a.deliveries = append(a.deliveries, d)
	return fmt.Sprintf("d%d", len(a.deliveries)), nil
}

func (a *fakeAPI) CreateAction(_ context.Context, d ActionDraft) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failAction != nil {
		return a.failAction
	}
	a.actions = append(a.actions, d)
	return nil
}

type recordingPresenter struct {
	mu        sync.Mutex
	presented []Payload
	dismissed []OccurrenceKey
}

func (p *recordingPresenter) Present(pl Payload) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.presented = append(p.presented, pl)
}

func (p *recordingPresenter) Dismiss(k OccurrenceKey) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dismissed = append(p.dismissed, k)
}

func (p *recordingPresenter) presentedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.presented)
}
