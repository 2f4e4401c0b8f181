package domain

import (
	"time"

	"github.com/google/uuid"
)

// IllustURLs хранит ссылки на изображение в доступных разрешениях.
// Любое поле может быть пустым: апстрим не гарантирует наличие всех вариантов.
type IllustURLs struct {
	Original string
	Large    string
	Medium   string
}

// Best возвращает ссылку максимального доступного разрешения.
func (u IllustURLs) Best() string {
	switch {
	case u.Original != "":
		return u.Original
	case u.Large != "":
		return u.Large
	default:
		return u.Medium
	}
}

// Illust описывает сырую иллюстрацию из ответа апстрима. Ядро её не изменяет.
type Illust struct {
	ID          int64
	Title       string
	AuthorName  string
	XRestrict   int
	SanityLevel int
	Tags        []string
	URLs        IllustURLs
}

// SanitySensitive — порог sanity_level, начиная с которого работа считается чувствительной.
const SanitySensitive = 4

// SafeIllust — нормализованная проекция иллюстрации, прошедшей все фильтры.
type SafeIllust struct {
	ID         int64
	Title      string
	AuthorName string
	ImageURL   string
}

// FilterStats — счётчики отсева за один батч или за всю сессию.
type FilterStats struct {
	Scanned           int
	MatureRejected    int
	SensitiveRejected int
	BannedRejected    int
}

// Add прибавляет счётчики другого батча.
func (s *FilterStats) Add(other FilterStats) {
	s.Scanned += other.Scanned
	s.MatureRejected += other.MatureRejected
	s.SensitiveRejected += other.SensitiveRejected
	s.BannedRejected += other.BannedRejected
}

// Rejected возвращает суммарное число отфильтрованных работ.
func (s FilterStats) Rejected() int {
	return s.MatureRejected + s.SensitiveRejected + s.BannedRejected
}

// FetchResult — итог одной сессии получения: собранные работы и накопленные счётчики.
// Неполный или пустой набор — валидный исход, не ошибка.
type FetchResult struct {
	Items []SafeIllust
	Stats FilterStats
}

// MatchKind задаёт способ сравнения шаблона запрещённого слова.
type MatchKind string

const (
	// MatchExact — полное совпадение без учёта регистра.
	MatchExact MatchKind = "exact"
	// MatchFuzzy — вхождение подстроки без учёта регистра.
	MatchFuzzy MatchKind = "fuzzy"
	// MatchRegex — регулярное выражение с флагом (?i).
	MatchRegex MatchKind = "regex"
)

// Valid сообщает, известен ли способ сравнения.
func (k MatchKind) Valid() bool {
	switch k {
	case MatchExact, MatchFuzzy, MatchRegex:
		return true
	}
	return false
}

// BanRule — правило запрещённого слова.
// Инвариант: для MatchRegex шаблон всегда компилируется, это проверяется при записи.
type BanRule struct {
	ID        uuid.UUID `json:"id"`
	Pattern   string    `json:"pattern"`
	Kind      MatchKind `json:"kind"`
	Enabled   bool      `json:"enabled"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchOptions передаются апстриму при поиске.
type SearchOptions struct {
	Offset    int
	SortOrder string
	MatchMode string
}
