// Package clock задаёт единые "часы" деплоймента и окно суточного учёта.
//
// Все реплики обязаны считать сутки в одном и том же часовом поясе, иначе окна
// квот расходятся между инстансами. Поэтому пояс передаётся явно, а не берётся
// из time.Local.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Reference источник текущего времени в опорном часовом поясе.
type Reference struct {
	clock clockwork.Clock
	loc   *time.Location
}

// New создаёт опорные часы. nil clock означает реальные часы, nil loc означает UTC.
func New(c clockwork.Clock, loc *time.Location) *Reference {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Reference{clock: c, loc: loc}
}

// Now возвращает текущее время в опорном поясе.
func (r *Reference) Now() time.Time {
	return r.clock.Now().In(r.loc)
}

// Since длительность с момента t по этим часам.
func (r *Reference) Since(t time.Time) time.Duration {
	return r.clock.Since(t)
}

func (r *Reference) Location() *time.Location {
	return r.loc
}

// Today окно текущих суток.
func (r *Reference) Today() Window {
	return DayWindow(r.Now(), r.loc)
}

// Window полуоткрытый интервал [Start, End).
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains true, если t попадает в [Start, End).
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && t.Before(w.End)
}

// DayWindow возвращает календарные сутки, содержащие t, в поясе loc.
// Полночь берётся через time.Date, так что сутки с переходом на летнее время
// имеют честную длину 23 или 25 часов.
func DayWindow(t time.Time, loc *time.Location) Window {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	y, m, d := local.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	end := time.Date(y, m, d+1, 0, 0, 0, 0, loc)
	return Window{Start: start, End: end}
}

// AddMonths прибавляет n календарных месяцев. Если в целевом месяце нет такого
// числа, результат прижимается к последнему дню месяца (31 января + 1 = 28/29 февраля).
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	hh, mm, ss := t.Clock()
	firstOfTarget := time.Date(y, m+time.Month(n), 1, hh, mm, ss, t.Nanosecond(), t.Location())
	last := daysIn(firstOfTarget.Year(), firstOfTarget.Month(), t.Location())
	if d > last {
		d = last
	}
	return time.Date(firstOfTarget.Year(), firstOfTarget.Month(), d, hh, mm, ss, t.Nanosecond(), t.Location())
}

func daysIn(y int, m time.Month, loc *time.Location) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, loc).Day()
}
