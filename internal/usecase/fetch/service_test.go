package fetch

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/ChaceQC/napcat-plugin-pixiv/internal/domain"
	"github.com/ChaceQC/napcat-plugin-pixiv/internal/usecase/settings"
)

type fakeFeed struct {
	authed     bool
	authErr    error
	authCalls  int
	batches    [][]domain.Illust
	searchErr  error
	calls      int
	offsets    []int
	lastSearch domain.SearchOptions
}

func (f *fakeFeed) Authenticated() bool { return f.authed }

func (f *fakeFeed) Authenticate(context.Context) error {
	f.authCalls++
	if f.authErr != nil {
		return f.authErr
	}
	f.authed = true
	return nil
}

func (f *fakeFeed) SearchIllust(_ context.Context, _ string, opts domain.SearchOptions) ([]domain.Illust, error) {
	f.offsets = append(f.offsets, opts.Offset)
	f.lastSearch = opts
	return f.next()
}

func (f *fakeFeed) Recommended(context.Context) ([]domain.Illust, error) {
	return f.next()
}

func (f *fakeFeed) next() ([]domain.Illust, error) {
	f.calls++
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

type fakeOpts struct {
	opts settings.Options
}

func (f fakeOpts) Current() settings.Options { return f.opts }

func newTestService(feed *fakeFeed, target int) *Service {
	opts := settings.Defaults()
	opts.TargetCount = target
	s := NewService(feed, newTestFilter(), fakeOpts{opts: opts}, zerolog.Nop())
	s.randInt = func(n int) int { return n - 1 }
	return s
}

func TestSearchForSatisfiedOnFirstAttempt(t *testing.T) {
	feed := &fakeFeed{authed: true, batches: [][]domain.Illust{{
		illustWithURL(1, "a"), illustWithURL(2, "b"), illustWithURL(3, "c"), illustWithURL(4, "d"),
	}}}
	s := newTestService(feed, 3)

	result, err := s.SearchFor(context.Background(), "котики")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(result.Items) != 3 {
		t.Fatalf("ожидали 3 работы, получили %d", len(result.Items))
	}
	if feed.calls != 1 {
		t.Fatalf("ожидали 1 обращение к ленте, было %d", feed.calls)
	}
	if result.Stats.Scanned != 4 {
		t.Fatalf("Scanned = %d, ожидали 4", result.Stats.Scanned)
	}
}

func TestSearchForDeduplicatesAcrossAttempts(t *testing.T) {
	feed := &fakeFeed{authed: true, batches: [][]domain.Illust{
		{illustWithURL(1, "первая версия"), illustWithURL(2, "b")},
		{illustWithURL(1, "поздний дубль"), illustWithURL(3, "c")},
		{illustWithURL(4, "d"), illustWithURL(5, "e")},
	}}
	s := newTestService(feed, 4)

	result, err := s.SearchFor(context.Background(), "котики")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(result.Items) != 4 {
		t.Fatalf("ожидали 4 работы, получили %d", len(result.Items))
	}
	seen := make(map[int64]string)
	for _, item := range result.Items {
		if _, dup := seen[item.ID]; dup {
			t.Fatalf("id %d встречается дважды", item.ID)
		}
		seen[item.ID] = item.Title
	}
	if seen[1] != "первая версия" {
		t.Fatalf("при дублях должно побеждать первое вхождение, получили %q", seen[1])
	}
}

func TestSearchForTerminatesOnEmptyFeed(t *testing.T) {
	feed := &fakeFeed{authed: true}
	s := newTestService(feed, 3)

	result, err := s.SearchFor(context.Background(), "пусто")
	if err != nil {
		t.Fatalf("пустой результат не ошибка: %v", err)
	}
	if len(result.Items) != 0 {
		t.Fatal("ожидали пустой набор")
	}
	if feed.calls > searchAttempts {
		t.Fatalf("бюджет попыток превышен: %d", feed.calls)
	}
	// randInt зафиксирован на максимум, offsets показывают сужение потолка.
	want := []int{300, 200, 100, 50, 0}
	for i, offset := range feed.offsets {
		if offset != want[i] {
			t.Fatalf("offset попытки %d = %d, ожидали %d", i+1, offset, want[i])
		}
	}
}

func TestSearchForTransportErrorNotRetried(t *testing.T) {
	feed := &fakeFeed{authed: true, searchErr: errors.New("timeout")}
	s := newTestService(feed, 3)

	_, err := s.SearchFor(context.Background(), "котики")
	if err == nil {
		t.Fatal("ожидали ошибку транспорта")
	}
	if feed.calls != 1 {
		t.Fatalf("транспортная ошибка не должна ретраиться, было %d обращений", feed.calls)
	}
}

func TestSearchForAuthFailure(t *testing.T) {
	feed := &fakeFeed{authErr: errors.New("bad token")}
	s := newTestService(feed, 3)

	_, err := s.SearchFor(context.Background(), "котики")
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("ожидали ErrAuth, получили %v", err)
	}
	if feed.calls != 0 {
		t.Fatal("до авторизации лента не должна вызываться")
	}
}

func TestSearchForAuthenticatesLazily(t *testing.T) {
	feed := &fakeFeed{batches: [][]domain.Illust{{illustWithURL(1, "a"), illustWithURL(2, "b"), illustWithURL(3, "c")}}}
	s := newTestService(feed, 3)

	if _, err := s.SearchFor(context.Background(), "котики"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if feed.authCalls != 1 {
		t.Fatalf("ожидали одну авторизацию, было %d", feed.authCalls)
	}
}

func TestSearchForPartialResultAfterBudget(t *testing.T) {
	feed := &fakeFeed{authed: true, batches: [][]domain.Illust{
		{illustWithURL(1, "a"), {ID: 10, XRestrict: 1, URLs: domain.IllustURLs{Medium: "u"}}},
		{illustWithURL(2, "b"), {ID: 11, XRestrict: 1, URLs: domain.IllustURLs{Medium: "u"}}},
		{illustWithURL(3, "c")},
		{illustWithURL(4, "d")},
		{illustWithURL(5, "e")},
	}}
	s := newTestService(feed, 10)

	result, err := s.SearchFor(context.Background(), "редкое")
	if err != nil {
		t.Fatalf("неполный результат не ошибка: %v", err)
	}
	if len(result.Items) != 5 {
		t.Fatalf("ожидали 5 собранных работ, получили %d", len(result.Items))
	}
	if feed.calls != searchAttempts {
		t.Fatalf("ожидали %d обращений, было %d", searchAttempts, feed.calls)
	}
	if result.Stats.MatureRejected != 2 {
		t.Fatalf("счётчики должны накапливаться между попытками, MatureRejected = %d", result.Stats.MatureRejected)
	}
	if result.Stats.Scanned != 7 {
		t.Fatalf("Scanned = %d, ожидали 7", result.Stats.Scanned)
	}
}

func TestSearchForPassesSearchOptions(t *testing.T) {
	feed := &fakeFeed{authed: true, batches: [][]domain.Illust{{illustWithURL(1, "a"), illustWithURL(2, "b"), illustWithURL(3, "c")}}}
	opts := settings.Defaults()
	opts.SortOrder = "popular_desc"
	opts.MatchMode = "exact_match_for_tags"
	s := NewService(feed, newTestFilter(), fakeOpts{opts: opts}, zerolog.Nop())
	s.randInt = func(n int) int { return 0 }

	if _, err := s.SearchFor(context.Background(), "котики"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if feed.lastSearch.SortOrder != "popular_desc" || feed.lastSearch.MatchMode != "exact_match_for_tags" {
		t.Fatalf("настройки поиска не дошли до ленты: %+v", feed.lastSearch)
	}
}

func TestRecommendedBudget(t *testing.T) {
	feed := &fakeFeed{authed: true, batches: [][]domain.Illust{
		{illustWithURL(1, "a")},
		{illustWithURL(2, "b")},
		{illustWithURL(3, "c")},
		{illustWithURL(4, "d")},
	}}
	s := newTestService(feed, 10)

	result, err := s.Recommended(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if feed.calls != recommendAttempts {
		t.Fatalf("ожидали %d обращений, было %d", recommendAttempts, feed.calls)
	}
	if len(result.Items) != 3 {
		t.Fatalf("ожидали 3 работы, получили %d", len(result.Items))
	}
}

func TestRecommendedStopsEarlyOnEmptyFeed(t *testing.T) {
	feed := &fakeFeed{authed: true}
	s := newTestService(feed, 3)

	result, err := s.Recommended(context.Background())
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(result.Items) != 0 {
		t.Fatal("ожидали пустой набор")
	}
	if feed.calls != 1 {
		t.Fatalf("пустая лента рекомендаций не должна ретраиться, было %d обращений", feed.calls)
	}
}
