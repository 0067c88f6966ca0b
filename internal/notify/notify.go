// Package notify доставляет команды доступа к каналу и напоминания.
// Получатель обязан быть идемпотентным: повторная команда безвредна.
package notify

import (
	"context"

	"github.com/Dhoini/channel-subscriptions/internal/domain"
)

// Kind вид уведомления
type Kind string

const (
	KindGrant    Kind = "grant_access"
	KindRevoke   Kind = "revoke_access"
	KindReminder Kind = "expiring_soon"
)

// Dispatcher внешний исполнитель: менеджер доступа к каналу
type Dispatcher interface {
	GrantAccess(ctx context.Context, sub domain.Subscription) error
	RevokeAccess(ctx context.Context, sub domain.Subscription) error
	NotifyExpiringSoon(ctx context.Context, sub domain.Subscription) error
}

// Send вызывает метод Dispatcher по виду уведомления
func Send(ctx context.Context, d Dispatcher, kind Kind, sub domain.Subscription) error {
	switch kind {
	case KindGrant:
		return d.GrantAccess(ctx, sub)
	case KindRevoke:
		return d.RevokeAccess(ctx, sub)
	case KindReminder:
		return d.NotifyExpiringSoon(ctx, sub)
	}
	return domain.NewValidationError("kind", "unknown notification kind "+string(kind))
}

// Nop ничего не отправляет. Используется, когда Kafka не настроена.
type Nop struct{}

func (Nop) GrantAccess(context.Context, domain.Subscription) error        { return nil }
func (Nop) RevokeAccess(context.Context, domain.Subscription) error       { return nil }
func (Nop) NotifyExpiringSoon(context.Context, domain.Subscription) error { return nil }
