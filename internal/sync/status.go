package sync

import (
	"sync"
	"time"

	"github.com/openmaps/marksync/internal/cloudstore"
)

const statusEventBufferSize = 16

// ErrorState is the overall synchronization error condition exposed to the
// owning application.
type ErrorState string

const (
	ErrorStateNone      ErrorState = "none"
	ErrorStateTransient ErrorState = "transient"
	ErrorStateFatal     ErrorState = "fatal"
)

// Status is the most recent unresolved error condition, or none.
type Status struct {
	State     ErrorState
	Err       error
	UpdatedAt time.Time
}

// Subscription is an explicit observer handle; call Unsubscribe when done.
type Subscription struct {
	C     <-chan Status
	ch    chan Status
	owner *StatusObserver
}

func (s *Subscription) Unsubscribe() {
	s.owner.unsubscribe(s)
}

// StatusObserver holds the current error state and fans out changes to
// subscribers. Slow subscribers drop updates rather than block the pipeline.
type StatusObserver struct {
	mu      sync.RWMutex
	current Status
	subs    []*Subscription
}

func NewStatusObserver() *StatusObserver {
	return &StatusObserver{
		current: Status{State: ErrorStateNone},
	}
}

func (o *StatusObserver) Subscribe() *Subscription {
	o.mu.Lock()
	defer o.mu.Unlock()

	ch := make(chan Status, statusEventBufferSize)
	sub := &Subscription{C: ch, ch: ch, owner: o}
	o.subs = append(o.subs, sub)
	return sub
}

func (o *StatusObserver) unsubscribe(sub *Subscription) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i, s := range o.subs {
		if s == sub {
			close(s.ch)
			o.subs = append(o.subs[:i], o.subs[i+1:]...)
			return
		}
	}
}

// Report records err as the current error state, classified by the store's
// error taxonomy. A nil err is ignored; use Clear for recovery.
func (o *StatusObserver) Report(err error) {
	if err == nil {
		return
	}

	state := ErrorStateTransient
	if cloudstore.IsFatal(err) {
		state = ErrorStateFatal
	}
	o.set(Status{State: state, Err: err, UpdatedAt: time.Now()})
}

// Clear resets the error state to none. Called when a reconciliation pass
// produces zero actions, which is the implicit recovery signal.
func (o *StatusObserver) Clear() {
	o.mu.RLock()
	alreadyClear := o.current.State == ErrorStateNone
	o.mu.RUnlock()
	if alreadyClear {
		return
	}
	o.set(Status{State: ErrorStateNone, UpdatedAt: time.Now()})
}

func (o *StatusObserver) Current() Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.current
}

func (o *StatusObserver) set(s Status) {
	o.mu.Lock()
	o.current = s
	subs := make([]*Subscription, len(o.subs))
	copy(subs, o.subs)
	o.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- s:
		default:
			// subscriber is not keeping up, drop the update
		}
	}
}

// Close drops every remaining subscription.
func (o *StatusObserver) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, sub := range o.subs {
		close(sub.ch)
	}
	o.subs = nil
}
