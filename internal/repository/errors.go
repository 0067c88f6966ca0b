package repository

import "github.com/Dhoini/channel-subscriptions/internal/domain"

var (
	// ErrNotFound запись не найдена
	ErrNotFound = domain.ErrNotFound

	// ErrDuplicate дубликат записи
	ErrDuplicate = domain.ErrDuplicate
)
