package scheduler

import (
	"time"
)

// Schedule вычисляет момент следующего запуска
type Schedule interface {
	Next(from time.Time) time.Time
}

type every time.Duration

// Every запуск с фиксированным интервалом от окончания предыдущего прогона
func Every(d time.Duration) Schedule {
	if d <= 0 {
		d = time.Minute
	}
	return every(d)
}

func (e every) Next(from time.Time) time.Time {
	return from.Add(time.Duration(e))
}

// Hourly запуск в начале каждого часа
func Hourly() Schedule {
	return hourly{}
}

type hourly struct{}

func (hourly) Next(from time.Time) time.Time {
	return from.Truncate(time.Hour).Add(time.Hour)
}

type daily struct {
	hour int
	loc  *time.Location
}

// DailyAt запуск раз в сутки в hour:00 по часовому поясу loc
func DailyAt(hour int, loc *time.Location) Schedule {
	if loc == nil {
		loc = time.UTC
	}
	return daily{hour: hour, loc: loc}
}

func (d daily) Next(from time.Time) time.Time {
	local := from.In(d.loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), d.hour, 0, 0, 0, d.loc)
	if !next.After(local) {
		next = time.Date(local.Year(), local.Month(), local.Day()+1, d.hour, 0, 0, 0, d.loc)
	}
	return next
}
