package imagecache

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Janitor периодически запускает умную очистку кэша. Интервал можно менять
// на лету: таймер перестраивается, нулевой интервал останавливает очистку.
type Janitor struct {
	cache *Cache
	log   zerolog.Logger

	mu   sync.Mutex
	stop chan struct{}
}

// NewJanitor создаёт очиститель без запущенного таймера.
func NewJanitor(cache *Cache, logger zerolog.Logger) *Janitor {
	return &Janitor{cache: cache, log: logger}
}

// Restart перезапускает таймер с новым интервалом. interval <= 0 только
// останавливает текущий.
func (j *Janitor) Restart(interval time.Duration) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stop != nil {
		close(j.stop)
		j.stop = nil
	}
	if interval <= 0 {
		return
	}
	stop := make(chan struct{})
	j.stop = stop
	go j.run(interval, stop)
}

// Stop останавливает таймер.
func (j *Janitor) Stop() {
	j.Restart(0)
}

func (j *Janitor) run(interval time.Duration, stop chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			removed, err := j.cache.CleanStale(StaleWindow)
			if err != nil {
				j.log.Warn().Err(err).Msg("умная очистка кэша не удалась")
				continue
			}
			if removed > 0 {
				j.log.Debug().Int("removed", removed).Msg("кэш изображений очищен")
			}
		}
	}
}
