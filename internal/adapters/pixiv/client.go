package pixiv

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/ChaceQC/napcat-plugin-pixiv/internal/domain"
	"github.com/ChaceQC/napcat-plugin-pixiv/internal/infra/metrics"
)

// Публичные реквизиты мобильного приложения pixiv, общие для всех клиентов app-api.
const (
	clientID     = "MOBrBDS8blbauoSck0ZfDbtuzpyT"
	clientSecret = "lsACyCD94FhDUtGTXi3QzcFE2uU1hqtDaKeqrdwj"
	hashSecret   = "28c1fdd170a5204386cb1313c7077b34f83e4aaf4aa829ce78c231e05b0bae2c"
)

var (
	ErrNoRefreshToken = errors.New("refresh token не задан")
	ErrAuthFailed     = errors.New("авторизация в pixiv не удалась")
)

// TokenSource отдаёт актуальный refresh token.
type TokenSource func() string

// Client общается с app-api pixiv: авторизация по refresh token,
// поиск и рекомендации.
type Client struct {
	http    *http.Client
	baseURL string
	authURL string
	token   TokenSource
	limiter *rate.Limiter
	log     zerolog.Logger

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

var _ domain.FeedClient = (*Client)(nil)

// NewClient создаёт клиента. rps ограничивает обращения к апстриму.
func NewClient(baseURL, authURL string, rps int, token TokenSource, logger zerolog.Logger) *Client {
	if rps <= 0 {
		rps = 1
	}
	return &Client{
		http:    &http.Client{Timeout: 20 * time.Second},
		baseURL: baseURL,
		authURL: authURL,
		token:   token,
		limiter: rate.NewLimiter(rate.Limit(rps), rps),
		log:     logger,
	}
}

// Authenticated сообщает, действительна ли текущая сессия.
func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken != "" && time.Now().Before(c.expiresAt)
}

// Invalidate сбрасывает сессию; следующий вызов заново пройдёт авторизацию.
func (c *Client) Invalidate() {
	c.mu.Lock()
	c.accessToken = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}

// Authenticate обменивает refresh token на access token.
func (c *Client) Authenticate(ctx context.Context) error {
	refresh := c.token()
	if refresh == "" {
		return ErrNoRefreshToken
	}
	form := url.Values{
		"client_id":      {clientID},
		"client_secret":  {clientSecret},
		"grant_type":     {"refresh_token"},
		"refresh_token":  {refresh},
		"include_policy": {"true"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.authURL, strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("pixiv: построение запроса авторизации: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	clientTime := time.Now().UTC().Format(time.RFC3339)
	req.Header.Set("X-Client-Time", clientTime)
	req.Header.Set("X-Client-Hash", clientHash(clientTime))

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest("pixiv", "auth", start, err)
		return fmt.Errorf("pixiv: запрос авторизации: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveNetworkRequest("pixiv", "auth", start, err)
		return fmt.Errorf("pixiv: чтение ответа авторизации: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("%w: статус %d", ErrAuthFailed, resp.StatusCode)
		metrics.ObserveNetworkRequest("pixiv", "auth", start, err)
		return err
	}
	var payload struct {
		Response struct {
			AccessToken string `json:"access_token"`
			ExpiresIn   int    `json:"expires_in"`
		} `json:"response"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.ObserveNetworkRequest("pixiv", "auth", start, err)
		return fmt.Errorf("pixiv: разбор ответа авторизации: %w", err)
	}
	if payload.Response.AccessToken == "" {
		err = fmt.Errorf("%w: пустой access token", ErrAuthFailed)
		metrics.ObserveNetworkRequest("pixiv", "auth", start, err)
		return err
	}
	metrics.ObserveNetworkRequest("pixiv", "auth", start, nil)

	c.mu.Lock()
	c.accessToken = payload.Response.AccessToken
	// Минута запаса, чтобы не уйти в апстрим с токеном на грани истечения.
	c.expiresAt = time.Now().Add(time.Duration(payload.Response.ExpiresIn)*time.Second - time.Minute)
	c.mu.Unlock()
	c.log.Info().Msg("pixiv: сессия обновлена")
	return nil
}

// SearchIllust ищет иллюстрации по ключевому слову со смещением.
func (c *Client) SearchIllust(ctx context.Context, word string, opts domain.SearchOptions) ([]domain.Illust, error) {
	query := url.Values{
		"word":   {word},
		"offset": {strconv.Itoa(opts.Offset)},
		"filter": {"for_ios"},
	}
	if opts.SortOrder != "" {
		query.Set("sort", opts.SortOrder)
	}
	if opts.MatchMode != "" {
		query.Set("search_target", opts.MatchMode)
	}
	return c.fetchIllusts(ctx, "search", "/v1/search/illust?"+query.Encode())
}

// Recommended возвращает персональные рекомендации.
func (c *Client) Recommended(ctx context.Context) ([]domain.Illust, error) {
	return c.fetchIllusts(ctx, "recommended", "/v1/illust/recommended?filter=for_ios")
}

func (c *Client) fetchIllusts(ctx context.Context, operation, pathAndQuery string) ([]domain.Illust, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	token := c.accessToken
	c.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+pathAndQuery, nil)
	if err != nil {
		return nil, fmt.Errorf("pixiv: построение запроса: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept-Language", "en-US")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest("pixiv", operation, start, err)
		return nil, fmt.Errorf("pixiv: запрос %s: %w", operation, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.ObserveNetworkRequest("pixiv", operation, start, err)
		return nil, fmt.Errorf("pixiv: чтение ответа %s: %w", operation, err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		c.Invalidate()
		err = fmt.Errorf("pixiv: сессия отклонена, статус %d", resp.StatusCode)
		metrics.ObserveNetworkRequest("pixiv", operation, start, err)
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("pixiv: %s: неожиданный статус %d", operation, resp.StatusCode)
		metrics.ObserveNetworkRequest("pixiv", operation, start, err)
		return nil, err
	}
	var payload struct {
		Illusts []illustPayload `json:"illusts"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.ObserveNetworkRequest("pixiv", operation, start, err)
		return nil, fmt.Errorf("pixiv: разбор ответа %s: %w", operation, err)
	}
	metrics.ObserveNetworkRequest("pixiv", operation, start, nil)

	illusts := make([]domain.Illust, 0, len(payload.Illusts))
	for _, raw := range payload.Illusts {
		illusts = append(illusts, raw.toDomain())
	}
	return illusts, nil
}

// illustPayload повторяет форму ответа app-api; каждое поле опционально,
// контрактных гарантий наличия у апстрима нет.
type illustPayload struct {
	ID    int64  `json:"id"`
	Title string `json:"title"`
	User  struct {
		Name string `json:"name"`
	} `json:"user"`
	XRestrict   *int `json:"x_restrict"`
	SanityLevel int  `json:"sanity_level"`
	Tags        []struct {
		Name string `json:"name"`
	} `json:"tags"`
	ImageURLs struct {
		Medium string `json:"medium"`
		Large  string `json:"large"`
	} `json:"image_urls"`
	MetaSinglePage struct {
		OriginalImageURL string `json:"original_image_url"`
	} `json:"meta_single_page"`
	MetaPages []struct {
		ImageURLs struct {
			Original string `json:"original"`
			Large    string `json:"large"`
			Medium   string `json:"medium"`
		} `json:"image_urls"`
	} `json:"meta_pages"`
}

func (p illustPayload) toDomain() domain.Illust {
	illust := domain.Illust{
		ID:          p.ID,
		Title:       p.Title,
		AuthorName:  p.User.Name,
		SanityLevel: p.SanityLevel,
		URLs: domain.IllustURLs{
			Original: p.MetaSinglePage.OriginalImageURL,
			Large:    p.ImageURLs.Large,
			Medium:   p.ImageURLs.Medium,
		},
	}
	// Отсутствующий флаг возрастного ограничения трактуется как «безопасно».
	if p.XRestrict != nil {
		illust.XRestrict = *p.XRestrict
	}
	for _, tag := range p.Tags {
		if tag.Name != "" {
			illust.Tags = append(illust.Tags, tag.Name)
		}
	}
	// У многостраничных работ ссылки лежат в первой странице meta_pages.
	if len(p.MetaPages) > 0 {
		first := p.MetaPages[0].ImageURLs
		if illust.URLs.Original == "" {
			illust.URLs.Original = first.Original
		}
		if illust.URLs.Large == "" {
			illust.URLs.Large = first.Large
		}
		if illust.URLs.Medium == "" {
			illust.URLs.Medium = first.Medium
		}
	}
	return illust
}

func clientHash(clientTime string) string {
	sum := md5.Sum([]byte(clientTime + hashSecret))
	return hex.EncodeToString(sum[:])
}
