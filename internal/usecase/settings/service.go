package settings

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/ChaceQC/napcat-plugin-pixiv/internal/domain"
)

const storeName = "pixiv_settings"

var (
	ErrBadTargetCount = errors.New("число результатов должно быть от 1 до 10")
	ErrBadSortOrder   = errors.New("неизвестный порядок сортировки")
	ErrBadMatchMode   = errors.New("неизвестный режим поиска")
)

// Допустимые значения параметров поиска апстрима.
var (
	SortOrders = []string{"date_desc", "date_asc", "popular_desc"}
	MatchModes = []string{"partial_match_for_tags", "exact_match_for_tags", "title_and_caption"}
)

// Options — горячо перезагружаемые настройки плагина.
type Options struct {
	RefreshToken         string `json:"refresh_token"`
	AllowMature          bool   `json:"allow_mature"`
	AllowSensitive       bool   `json:"allow_sensitive"`
	TargetCount          int    `json:"target_count"`
	RateLimitPerMinute   int    `json:"rate_limit_per_minute"`
	GroupCooldownSeconds int    `json:"group_cooldown_seconds"`
	CacheCleanMinutes    int    `json:"cache_clean_minutes"`
	SortOrder            string `json:"sort_order"`
	MatchMode            string `json:"match_mode"`
}

// Defaults возвращает настройки по умолчанию.
func Defaults() Options {
	return Options{
		TargetCount:          3,
		RateLimitPerMinute:   60,
		GroupCooldownSeconds: 60,
		CacheCleanMinutes:    30,
		SortOrder:            "date_desc",
		MatchMode:            "partial_match_for_tags",
	}
}

// Hook вызывается после каждого применённого изменения настроек.
type Hook func(old, new Options)

// Service владеет текущими настройками: лениво загружает, валидирует
// и синхронно сохраняет изменения, уведомляя подписчиков.
type Service struct {
	store domain.DataStore
	log   zerolog.Logger

	mu     sync.Mutex
	cur    Options
	loaded bool
	hooks  []Hook
}

// NewService создаёт сервис настроек.
func NewService(store domain.DataStore, logger zerolog.Logger) *Service {
	return &Service{store: store, log: logger}
}

// OnChange регистрирует подписчика изменений. Вызывать до старта обработки команд.
func (s *Service) OnChange(hook Hook) {
	s.mu.Lock()
	s.hooks = append(s.hooks, hook)
	s.mu.Unlock()
}

// Current возвращает текущие настройки, при первом обращении читая их из хранилища.
func (s *Service) Current() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	return s.cur
}

// Reload повторно читает настройки из хранилища, уведомляя подписчиков.
func (s *Service) Reload() error {
	s.mu.Lock()
	old := s.cur
	s.loaded = false
	s.ensureLoaded()
	cur := s.cur
	hooks := s.hooks
	s.mu.Unlock()
	if cur != old {
		for _, hook := range hooks {
			hook(old, cur)
		}
	}
	return nil
}

// Update применяет изменение настроек: валидирует, сохраняет, зовёт подписчиков.
func (s *Service) Update(mutate func(*Options)) (Options, error) {
	s.mu.Lock()
	s.ensureLoaded()
	old := s.cur
	next := s.cur
	mutate(&next)
	if err := validate(next); err != nil {
		s.mu.Unlock()
		return old, err
	}
	if err := s.store.Save(storeName, next); err != nil {
		s.mu.Unlock()
		return old, fmt.Errorf("сохранение настроек: %w", err)
	}
	s.cur = next
	hooks := s.hooks
	s.mu.Unlock()
	if next != old {
		for _, hook := range hooks {
			hook(old, next)
		}
	}
	return next, nil
}

func (s *Service) ensureLoaded() {
	if s.loaded {
		return
	}
	opts := Defaults()
	if err := s.store.Load(storeName, &opts); err != nil {
		s.log.Warn().Err(err).Msg("не удалось загрузить настройки, используем умолчания")
		opts = Defaults()
	}
	if err := validate(opts); err != nil {
		s.log.Warn().Err(err).Msg("некорректные сохранённые настройки, используем умолчания")
		opts = Defaults()
	}
	s.cur = opts
	s.loaded = true
}

func validate(opts Options) error {
	if opts.TargetCount < 1 || opts.TargetCount > 10 {
		return ErrBadTargetCount
	}
	if opts.RateLimitPerMinute < 0 || opts.GroupCooldownSeconds < 0 || opts.CacheCleanMinutes < 0 {
		return errors.New("лимиты не могут быть отрицательными")
	}
	if !contains(SortOrders, opts.SortOrder) {
		return ErrBadSortOrder
	}
	if !contains(MatchModes, opts.MatchMode) {
		return ErrBadMatchMode
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
