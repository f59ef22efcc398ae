package bot

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultCommandInterval = 2 * time.Second

// RateLimiter: ограничение частоты команд для каждого пользователя в памяти.
// Админ не лимитируется.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[int64]map[string]*rate.Limiter
	limits   map[string]time.Duration
	adminID  int64
}

func NewRateLimiter(adminID int64) *RateLimiter {
	return &RateLimiter{
		adminID:  adminID,
		limiters: make(map[int64]map[string]*rate.Limiter),
		limits: map[string]time.Duration{
			"/buy":       5 * time.Second,
			"/connect":   10 * time.Second,
			"/extend":    5 * time.Second,
			"/status":    3 * time.Second,
			"get_config": 10 * time.Second,
			"pay":        5 * time.Second,
		},
	}
}

// IsLimited сообщает, что пользователь вызывает команду слишком часто
func (r *RateLimiter) IsLimited(userID int64, cmd string) bool {
	if userID == r.adminID {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	perUser := r.limiters[userID]
	if perUser == nil {
		perUser = make(map[string]*rate.Limiter)
		r.limiters[userID] = perUser
	}
	l, ok := perUser[cmd]
	if !ok {
		interval, ok := r.limits[cmd]
		if !ok {
			interval = defaultCommandInterval
		}
		l = rate.NewLimiter(rate.Every(interval), 1)
		perUser[cmd] = l
	}
	return !l.Allow()
}
