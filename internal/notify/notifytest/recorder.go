// Package notifytest содержит записывающий Dispatcher для тестов.
package notifytest

import (
	"context"
	"sync"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
	"github.com/google/uuid"
)

// Call одно уведомление
type Call struct {
	Kind           string
	SubscriptionID uuid.UUID
	ExpiresAt      string
}

// Recorder запоминает вызовы. Err, если задан, возвращается из каждого вызова.
type Recorder struct {
	mu    sync.Mutex
	calls []Call

	Err     error
	FailFor map[string]error // по виду уведомления
}

func (r *Recorder) record(kind string, sub domain.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := Call{Kind: kind, SubscriptionID: sub.ID}
	if sub.ExpiresAt != nil {
		c.ExpiresAt = sub.ExpiresAt.UTC().Format("2006-01-02T15:04:05Z")
	}
	if err := r.FailFor[kind]; err != nil {
		return err
	}
	if r.Err != nil {
		return r.Err
	}
	r.calls = append(r.calls, c)
	return nil
}

func (r *Recorder) GrantAccess(_ context.Context, sub domain.Subscription) error {
	return r.record("grant_access", sub)
}

func (r *Recorder) RevokeAccess(_ context.Context, sub domain.Subscription) error {
	return r.record("revoke_access", sub)
}

func (r *Recorder) NotifyExpiringSoon(_ context.Context, sub domain.Subscription) error {
	return r.record("expiring_soon", sub)
}

// Calls успешно доставленные уведомления
func (r *Recorder) Calls() []Call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Call(nil), r.calls...)
}

// Count число доставленных уведомлений вида kind
func (r *Recorder) Count(kind string) int {
	n := 0
	for _, c := range r.Calls() {
		if c.Kind == kind {
			n++
		}
	}
	return n
}
