package domain

import "context"

// FeedClient — клиент апстрим-ленты иллюстраций.
// Авторизация и продление сессии — его забота.
type FeedClient interface {
	Authenticated() bool
	Authenticate(ctx context.Context) error
	SearchIllust(ctx context.Context, word string, opts SearchOptions) ([]Illust, error)
	Recommended(ctx context.Context) ([]Illust, error)
}

// DataStore — key-value хранилище данных плагина поверх JSON-файлов.
// Load оставляет переданное значение-умолчание нетронутым, если записи нет.
// Гарантий кроме last-write-wins нет.
type DataStore interface {
	Load(name string, v any) error
	Save(name string, v any) error
}

// BanMatcher отвечает на вопрос «подпадает ли текст под запрещённое слово».
type BanMatcher interface {
	MatchKeyword(text string) (BanRule, bool)
	MatchIllust(illust Illust) (BanRule, bool)
}
