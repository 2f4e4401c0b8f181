package fetch

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"github.com/rs/zerolog"

	"github.com/ChaceQC/napcat-plugin-pixiv/internal/domain"
	"github.com/ChaceQC/napcat-plugin-pixiv/internal/infra/metrics"
	"github.com/ChaceQC/napcat-plugin-pixiv/internal/usecase/settings"
)

const (
	searchAttempts    = 5
	recommendAttempts = 3
)

// Потолки случайного offset при поиске. Потолок опускается на ступень только
// когда апстрим вернул пустой батч: это значит, что лента на такой глубине
// исчерпана, а не что всё отфильтровано.
var offsetCeilings = [...]int{300, 200, 100, 50, 0}

// ErrAuth возвращается, когда не удалось авторизоваться в ленте.
var ErrAuth = errors.New("авторизация в ленте не удалась")

// OptionsProvider отдаёт актуальные настройки плагина.
type OptionsProvider interface {
	Current() settings.Options
}

// Service — оркестратор получения: повторяет обращения к ленте, накапливая
// дедуплицированные безопасные работы, пока не наберёт целевое число или не
// исчерпает бюджет попыток.
type Service struct {
	feed    domain.FeedClient
	filter  *Filter
	opts    OptionsProvider
	log     zerolog.Logger
	randInt func(n int) int
}

// NewService создаёт оркестратор.
func NewService(feed domain.FeedClient, filter *Filter, opts OptionsProvider, logger zerolog.Logger) *Service {
	return &Service{feed: feed, filter: filter, opts: opts, log: logger, randInt: rand.Intn}
}

// SearchFor собирает подборку по ключевому слову.
func (s *Service) SearchFor(ctx context.Context, keyword string) (domain.FetchResult, error) {
	if err := s.ensureAuth(ctx); err != nil {
		return domain.FetchResult{}, err
	}
	opts := s.opts.Current()
	sess := newSession(opts.TargetCount)
	ceilIdx := 0
	for attempt := 0; attempt < searchAttempts; attempt++ {
		offset := 0
		if ceiling := offsetCeilings[ceilIdx]; ceiling > 0 {
			offset = s.randInt(ceiling + 1)
		}
		metrics.FeedAttemptsTotal.WithLabelValues("search").Inc()
		batch, err := s.feed.SearchIllust(ctx, keyword, domain.SearchOptions{
			Offset:    offset,
			SortOrder: opts.SortOrder,
			MatchMode: opts.MatchMode,
		})
		if err != nil {
			// Транспортные ошибки не ретраятся: повторы только для пустых батчей.
			return domain.FetchResult{}, fmt.Errorf("поиск иллюстраций: %w", err)
		}
		s.absorb(sess, batch, opts)
		if sess.satisfied() {
			return sess.result(), nil
		}
		if len(batch) == 0 {
			if ceilIdx == len(offsetCeilings)-1 {
				// Лента пуста даже на нулевой глубине, дальше пытаться незачем.
				break
			}
			ceilIdx++
		}
	}
	s.log.Debug().Str("keyword", keyword).Int("collected", sess.size()).Int("target", sess.target).
		Msg("бюджет попыток поиска исчерпан")
	return sess.result(), nil
}

// Recommended собирает подборку из рекомендаций.
func (s *Service) Recommended(ctx context.Context) (domain.FetchResult, error) {
	if err := s.ensureAuth(ctx); err != nil {
		return domain.FetchResult{}, err
	}
	opts := s.opts.Current()
	sess := newSession(opts.TargetCount)
	for attempt := 0; attempt < recommendAttempts; attempt++ {
		metrics.FeedAttemptsTotal.WithLabelValues("recommended").Inc()
		batch, err := s.feed.Recommended(ctx)
		if err != nil {
			return domain.FetchResult{}, fmt.Errorf("получение рекомендаций: %w", err)
		}
		s.absorb(sess, batch, opts)
		if sess.satisfied() {
			return sess.result(), nil
		}
		if len(batch) == 0 {
			break
		}
	}
	return sess.result(), nil
}

func (s *Service) ensureAuth(ctx context.Context) error {
	if s.feed.Authenticated() {
		return nil
	}
	if err := s.feed.Authenticate(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return nil
}

func (s *Service) absorb(sess *session, batch []domain.Illust, opts settings.Options) {
	accepted, stats := s.filter.Extract(batch, sess.remaining(), Policy{
		AllowMature:    opts.AllowMature,
		AllowSensitive: opts.AllowSensitive,
	}, true)
	metrics.ObserveFilterStats(stats.MatureRejected, stats.SensitiveRejected, stats.BannedRejected)
	sess.merge(accepted, stats)
}

// session — состояние одной сессии получения: пул дедупликации по id,
// порядок вставки и накопленные счётчики. Живёт ровно один вызов оркестратора.
type session struct {
	target int
	pool   map[int64]domain.SafeIllust
	order  []int64
	stats  domain.FilterStats
}

func newSession(target int) *session {
	return &session{target: target, pool: make(map[int64]domain.SafeIllust)}
}

// merge добавляет принятые работы в пул: первое вхождение id побеждает,
// повторы из поздних попыток отбрасываются.
func (s *session) merge(items []domain.SafeIllust, stats domain.FilterStats) {
	s.stats.Add(stats)
	for _, item := range items {
		if _, seen := s.pool[item.ID]; seen {
			continue
		}
		s.pool[item.ID] = item
		s.order = append(s.order, item.ID)
	}
}

func (s *session) size() int { return len(s.order) }

func (s *session) remaining() int {
	if left := s.target - len(s.order); left > 0 {
		return left
	}
	return 0
}

func (s *session) satisfied() bool { return len(s.order) >= s.target }

func (s *session) result() domain.FetchResult {
	ids := s.order
	if len(ids) > s.target {
		ids = ids[:s.target]
	}
	items := make([]domain.SafeIllust, 0, len(ids))
	for _, id := range ids {
		items = append(items, s.pool[id])
	}
	return domain.FetchResult{Items: items, Stats: s.stats}
}
