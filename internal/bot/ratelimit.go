package bot

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// chatKey ключ лимита для обычных сообщений (не команд).
const chatKey = "chat"

// RateLimiter ограничивает частоту команд по пользователю и команде.
// Лимиты в памяти процесса: после рестарта счёт начинается заново.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[int64]map[string]*rate.Limiter
	limits   map[string]time.Duration
	exempt   int64
	now      func() time.Time
}

func NewRateLimiter(adminID int64) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[int64]map[string]*rate.Limiter),
		limits: map[string]time.Duration{
			"/tariff":    3 * time.Second,
			"/profile":   3 * time.Second,
			tariffPrefix: 10 * time.Second,
			chatKey:      time.Second,
		},
		exempt: adminID,
		now:    time.Now,
	}
}

// IsLimited returns true if user is rate-limited for this command
func (r *RateLimiter) IsLimited(userID int64, cmd string) bool {
	// Админ не лимитируется
	if userID == r.exempt {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byCmd := r.limiters[userID]
	if byCmd == nil {
		byCmd = make(map[string]*rate.Limiter)
		r.limiters[userID] = byCmd
	}
	lim, ok := byCmd[cmd]
	if !ok {
		every, ok := r.limits[cmd]
		if !ok {
			every = 2 * time.Second // default limit
		}
		lim = rate.NewLimiter(rate.Every(every), 1)
		byCmd[cmd] = lim
	}
	return !lim.AllowN(r.now(), 1)
}
