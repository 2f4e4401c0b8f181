package fetch

import (
	"math/rand"

	"github.com/ChaceQC/napcat-plugin-pixiv/internal/domain"
)

// Policy включает и выключает отдельные фильтры.
type Policy struct {
	AllowMature    bool
	AllowSensitive bool
}

// Filter отбирает безопасные работы из сырого батча.
type Filter struct {
	banned  domain.BanMatcher
	shuffle func(n int, swap func(i, j int))
}

// NewFilter создаёт стадию фильтрации.
func NewFilter(banned domain.BanMatcher) *Filter {
	return &Filter{banned: banned, shuffle: rand.Shuffle}
}

// Extract применяет фильтры к батчу и возвращает до target безопасных работ
// вместе со счётчиками отсева. Порядок фильтров фиксирован: возрастное
// ограничение, затем sanity, затем запрещённые слова; работа учитывается
// только в счётчике первого отклонившего фильтра.
//
// Shuffle перемешивает батч перед отбором: апстрим отдаёт стабильно
// ранжированный список, и без перемешивания повторные запросы возвращали бы
// одни и те же головные работы. Stats.Scanned всегда равен длине входного
// батча, даже если отбор остановился раньше.
func (f *Filter) Extract(batch []domain.Illust, target int, policy Policy, shuffleBatch bool) ([]domain.SafeIllust, domain.FilterStats) {
	stats := domain.FilterStats{Scanned: len(batch)}
	if len(batch) == 0 || target <= 0 {
		return nil, stats
	}

	candidates := append([]domain.Illust(nil), batch...)
	if shuffleBatch {
		f.shuffle(len(candidates), func(i, j int) {
			candidates[i], candidates[j] = candidates[j], candidates[i]
		})
	}

	accepted := make([]domain.SafeIllust, 0, target)
	for _, illust := range candidates {
		if len(accepted) >= target {
			break
		}
		if !policy.AllowMature && illust.XRestrict != 0 {
			stats.MatureRejected++
			continue
		}
		if !policy.AllowSensitive && illust.SanityLevel >= domain.SanitySensitive {
			stats.SensitiveRejected++
			continue
		}
		if _, ok := f.banned.MatchIllust(illust); ok {
			stats.BannedRejected++
			continue
		}
		imageURL := illust.URLs.Best()
		if imageURL == "" {
			// Работа без единой ссылки не попадает ни в один счётчик отсева.
			continue
		}
		accepted = append(accepted, domain.SafeIllust{
			ID:         illust.ID,
			Title:      illust.Title,
			AuthorName: illust.AuthorName,
			ImageURL:   imageURL,
		})
	}
	return accepted, stats
}
