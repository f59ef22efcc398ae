package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"WG-Telegram-bot/internal/logger"
)

// ComponentStatus: результат последней проверки зависимости
type ComponentStatus struct {
	Name        string
	Status      string
	Error       string
	LastChecked time.Time
}

func (s ComponentStatus) Up() bool {
	return s.Status == statusOnline
}

const (
	statusOnline  = "✅ online"
	statusOffline = "❌ offline"
)

// Health периодически проверяет шлюз и базу. Админ получает уведомление
// при переходе компонента в offline и при восстановлении.
type Health struct {
	checks map[string]func(context.Context) error
	order  []string

	mu   sync.RWMutex
	last map[string]ComponentStatus
}

func NewHealth() *Health {
	return &Health{checks: map[string]func(context.Context) error{}, last: map[string]ComponentStatus{}}
}

func (h *Health) Add(name string, check func(context.Context) error) *Health {
	h.checks[name] = check
	h.order = append(h.order, name)
	return h
}

// Check выполняет все проверки и возвращает true, если всё доступно
func (h *Health) Check(ctx context.Context) bool {
	ok := true
	for _, name := range h.order {
		cctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := h.checks[name](cctx)
		cancel()

		st := ComponentStatus{Name: name, Status: statusOnline, LastChecked: time.Now()}
		if err != nil {
			ok = false
			st.Status = statusOffline
			st.Error = err.Error()
		}

		h.mu.Lock()
		prev, seen := h.last[name]
		h.last[name] = st
		h.mu.Unlock()

		switch {
		case err != nil && (!seen || prev.Up()):
			logger.Error("component offline", zap.String("component", name), zap.Error(err))
			logger.NotifyAdmin(name + " недоступен: " + err.Error())
		case err == nil && seen && !prev.Up():
			logger.Info("component back online", zap.String("component", name))
			logger.NotifyAdmin(name + " снова доступен")
		}
	}
	return ok
}

// Statuses: результаты последней проверки в порядке регистрации
func (h *Health) Statuses() []ComponentStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ComponentStatus, 0, len(h.order))
	for _, name := range h.order {
		if st, ok := h.last[name]; ok {
			out = append(out, st)
		}
	}
	return out
}
