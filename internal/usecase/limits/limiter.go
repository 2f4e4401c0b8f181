package limits

import (
	"sync"
	"time"
)

// Window — глобальный скользящий лимит запросов в минуту.
// Один общий счётчик на весь процесс, сбрасывается при рестарте.
type Window struct {
	mu     sync.Mutex
	limit  int
	span   time.Duration
	stamps []time.Time
	now    func() time.Time
}

// NewWindow создаёт лимитер. Лимит 0 означает «выключено».
func NewWindow(limit int) *Window {
	return &Window{limit: limit, span: time.Minute, now: time.Now}
}

// SetLimit меняет лимит на лету.
func (w *Window) SetLimit(limit int) {
	w.mu.Lock()
	w.limit = limit
	w.mu.Unlock()
}

// Allow сначала выбрасывает метки старше окна, затем допускает запрос,
// если счётчик ещё не дошёл до лимита. Отклонённый запрос метку не оставляет.
func (w *Window) Allow() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.limit <= 0 {
		return true
	}
	cutoff := w.now().Add(-w.span)
	kept := w.stamps[:0]
	for _, stamp := range w.stamps {
		if stamp.After(cutoff) {
			kept = append(kept, stamp)
		}
	}
	w.stamps = kept
	if len(w.stamps) >= w.limit {
		return false
	}
	w.stamps = append(w.stamps, w.now())
	return true
}

// Cooldown — кулдаун на группу: один срабатывший пользователь блокирует всю
// группу до истечения таймера. Личные диалоги освобождает вызывающая сторона.
type Cooldown struct {
	mu    sync.Mutex
	ttl   time.Duration
	until map[string]time.Time
	now   func() time.Time
}

// NewCooldown создаёт кулдаун. Длительность 0 означает «выключено».
func NewCooldown(ttl time.Duration) *Cooldown {
	return &Cooldown{ttl: ttl, until: make(map[string]time.Time), now: time.Now}
}

// SetTTL меняет длительность и сбрасывает все активные кулдауны.
func (c *Cooldown) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	c.ttl = ttl
	c.until = make(map[string]time.Time)
	c.mu.Unlock()
}

// Start запускает кулдаун для группы.
func (c *Cooldown) Start(groupID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ttl <= 0 {
		return
	}
	c.until[groupID] = c.now().Add(c.ttl)
}

// Remaining возвращает остаток кулдауна группы. Истёкшие записи удаляются
// при чтении: отсутствие ключа эквивалентно отсутствию кулдауна.
func (c *Cooldown) Remaining(groupID string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	expiry, ok := c.until[groupID]
	if !ok {
		return 0
	}
	left := expiry.Sub(c.now())
	if left <= 0 {
		delete(c.until, groupID)
		return 0
	}
	return left
}
