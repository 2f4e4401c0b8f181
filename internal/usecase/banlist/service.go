package banlist

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ChaceQC/napcat-plugin-pixiv/internal/domain"
)

const storeName = "pixiv_ban_rules"

var (
	ErrRuleNotFound = errors.New("правило не найдено")
	ErrBadKind      = errors.New("неизвестный способ сравнения")
	ErrBadPattern   = errors.New("шаблон не является корректным регулярным выражением")
	ErrEmptyPattern = errors.New("пустой шаблон")
)

// Service хранит правила запрещённых слов и проверяет тексты по ним.
// Список лениво загружается при первом обращении и кэшируется в памяти;
// каждая запись синхронно сохраняется в хранилище.
type Service struct {
	store domain.DataStore
	log   zerolog.Logger

	mu     sync.Mutex
	rules  []domain.BanRule
	loaded bool
}

var _ domain.BanMatcher = (*Service)(nil)

// NewService создаёт сервис запрещённых слов.
func NewService(store domain.DataStore, logger zerolog.Logger) *Service {
	return &Service{store: store, log: logger}
}

// MatchKeyword возвращает первое включённое правило (в сохранённом порядке),
// под которое подпадает текст.
func (s *Service) MatchKeyword(text string) (domain.BanRule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	return s.matchLocked(text)
}

// MatchIllust проверяет сначала заголовок, затем каждый тег работы.
func (s *Service) MatchIllust(illust domain.Illust) (domain.BanRule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	if rule, ok := s.matchLocked(illust.Title); ok {
		return rule, true
	}
	for _, tag := range illust.Tags {
		if rule, ok := s.matchLocked(tag); ok {
			return rule, true
		}
	}
	return domain.BanRule{}, false
}

// List возвращает копию текущего списка правил.
func (s *Service) List() []domain.BanRule {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	return append([]domain.BanRule(nil), s.rules...)
}

// Add добавляет правило. Для регулярных выражений шаблон компилируется здесь:
// некорректный шаблон отклоняется целиком, список не меняется.
func (s *Service) Add(pattern string, kind domain.MatchKind) (domain.BanRule, error) {
	if strings.TrimSpace(pattern) == "" {
		return domain.BanRule{}, ErrEmptyPattern
	}
	if !kind.Valid() {
		return domain.BanRule{}, ErrBadKind
	}
	if err := validatePattern(pattern, kind); err != nil {
		return domain.BanRule{}, err
	}
	rule := domain.BanRule{
		ID:        uuid.New(),
		Pattern:   pattern,
		Kind:      kind,
		Enabled:   true,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	next := append(append([]domain.BanRule(nil), s.rules...), rule)
	if err := s.store.Save(storeName, next); err != nil {
		return domain.BanRule{}, fmt.Errorf("сохранение правил: %w", err)
	}
	s.rules = next
	return rule, nil
}

// Update заменяет шаблон и способ сравнения правила с повторной валидацией.
func (s *Service) Update(id uuid.UUID, pattern string, kind domain.MatchKind) (domain.BanRule, error) {
	if strings.TrimSpace(pattern) == "" {
		return domain.BanRule{}, ErrEmptyPattern
	}
	if !kind.Valid() {
		return domain.BanRule{}, ErrBadKind
	}
	if err := validatePattern(pattern, kind); err != nil {
		return domain.BanRule{}, err
	}
	return s.mutate(id, func(rule *domain.BanRule) {
		rule.Pattern = pattern
		rule.Kind = kind
	})
}

// SetEnabled включает или выключает правило.
func (s *Service) SetEnabled(id uuid.UUID, enabled bool) (domain.BanRule, error) {
	return s.mutate(id, func(rule *domain.BanRule) {
		rule.Enabled = enabled
	})
}

// Remove удаляет правило.
func (s *Service) Remove(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	next := make([]domain.BanRule, 0, len(s.rules))
	found := false
	for _, rule := range s.rules {
		if rule.ID == id {
			found = true
			continue
		}
		next = append(next, rule)
	}
	if !found {
		return ErrRuleNotFound
	}
	if err := s.store.Save(storeName, next); err != nil {
		return fmt.Errorf("сохранение правил: %w", err)
	}
	s.rules = next
	return nil
}

// Reload сбрасывает кэш и перечитывает правила из хранилища.
func (s *Service) Reload() {
	s.mu.Lock()
	s.loaded = false
	s.ensureLoaded()
	s.mu.Unlock()
}

func (s *Service) mutate(id uuid.UUID, apply func(*domain.BanRule)) (domain.BanRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded()
	next := append([]domain.BanRule(nil), s.rules...)
	idx := -1
	for i := range next {
		if next[i].ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return domain.BanRule{}, ErrRuleNotFound
	}
	apply(&next[idx])
	if err := s.store.Save(storeName, next); err != nil {
		return domain.BanRule{}, fmt.Errorf("сохранение правил: %w", err)
	}
	s.rules = next
	return next[idx], nil
}

func (s *Service) ensureLoaded() {
	if s.loaded {
		return
	}
	var rules []domain.BanRule
	if err := s.store.Load(storeName, &rules); err != nil {
		s.log.Warn().Err(err).Msg("не удалось загрузить правила запрещённых слов")
		rules = nil
	}
	s.rules = rules
	s.loaded = true
}

func (s *Service) matchLocked(text string) (domain.BanRule, bool) {
	for _, rule := range s.rules {
		if !rule.Enabled {
			continue
		}
		if s.ruleMatches(rule, text) {
			return rule, true
		}
	}
	return domain.BanRule{}, false
}

func (s *Service) ruleMatches(rule domain.BanRule, text string) bool {
	switch rule.Kind {
	case domain.MatchExact:
		return strings.EqualFold(strings.TrimSpace(text), rule.Pattern)
	case domain.MatchFuzzy:
		return strings.Contains(strings.ToLower(text), strings.ToLower(rule.Pattern))
	case domain.MatchRegex:
		re, err := regexp.Compile("(?i)" + rule.Pattern)
		if err != nil {
			// Валидация при записи такое не пропускает, но битое правило
			// не должно ронять проверку.
			s.log.Warn().Err(err).Str("pattern", rule.Pattern).Msg("правило с некорректным регулярным выражением пропущено")
			return false
		}
		return re.MatchString(text)
	}
	return false
}

func validatePattern(pattern string, kind domain.MatchKind) error {
	if kind != domain.MatchRegex {
		return nil
	}
	if _, err := regexp.Compile("(?i)" + pattern); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPattern, err)
	}
	return nil
}
