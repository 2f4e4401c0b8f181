package pixiv

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"

	"github.com/ChaceQC/napcat-plugin-pixiv/internal/domain"
)

func staticToken(token string) TokenSource {
	return func() string { return token }
}

func newAuthServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("разбор формы: %v", err)
		}
		if r.PostForm.Get("grant_type") != "refresh_token" {
			t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
		}
		if r.PostForm.Get("client_id") != clientID {
			t.Errorf("client_id = %q", r.PostForm.Get("client_id"))
		}
		clientTime := r.Header.Get("X-Client-Time")
		sum := md5.Sum([]byte(clientTime + hashSecret))
		if r.Header.Get("X-Client-Hash") != hex.EncodeToString(sum[:]) {
			t.Error("подпись X-Client-Hash не сходится")
		}
		if r.PostForm.Get("refresh_token") != "refresh-1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		fmt.Fprint(w, `{"response":{"access_token":"access-1","expires_in":3600}}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAuthenticate(t *testing.T) {
	auth := newAuthServer(t)
	c := NewClient("http://unused", auth.URL, 100, staticToken("refresh-1"), zerolog.Nop())

	if c.Authenticated() {
		t.Fatal("до авторизации сессии быть не должно")
	}
	if err := c.Authenticate(context.Background()); err != nil {
		t.Fatalf("авторизация: %v", err)
	}
	if !c.Authenticated() {
		t.Fatal("после обмена токена сессия должна быть действительна")
	}
	c.Invalidate()
	if c.Authenticated() {
		t.Fatal("после сброса сессия недействительна")
	}
}

func TestAuthenticateRejected(t *testing.T) {
	auth := newAuthServer(t)
	c := NewClient("http://unused", auth.URL, 100, staticToken("wrong"), zerolog.Nop())

	if err := c.Authenticate(context.Background()); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("ожидали ErrAuthFailed, получили %v", err)
	}
}

func TestAuthenticateWithoutToken(t *testing.T) {
	c := NewClient("http://unused", "http://unused", 100, staticToken(""), zerolog.Nop())

	if err := c.Authenticate(context.Background()); !errors.Is(err, ErrNoRefreshToken) {
		t.Fatalf("ожидали ErrNoRefreshToken, получили %v", err)
	}
}

func TestSearchIllustQueryAndParse(t *testing.T) {
	var gotQuery, gotAuth string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authorization")
		fmt.Fprint(w, `{"illusts":[
			{"id":101,"title":"работа","user":{"name":"художник"},"x_restrict":1,"sanity_level":6,
			 "tags":[{"name":"R-18"},{"name":""}],
			 "image_urls":{"medium":"https://i.pximg.net/m.png","large":"https://i.pximg.net/l.png"},
			 "meta_single_page":{"original_image_url":"https://i.pximg.net/o.png"}},
			{"id":102,"title":"альбом","user":{"name":"художник"},
			 "meta_pages":[{"image_urls":{"original":"https://i.pximg.net/p0.png","large":"","medium":""}}]}
		]}`)
	}))
	t.Cleanup(api.Close)

	c := NewClient(api.URL, "http://unused", 100, staticToken("refresh-1"), zerolog.Nop())
	c.accessToken = "access-1"

	illusts, err := c.SearchIllust(context.Background(), "котики", domain.SearchOptions{
		Offset:    120,
		SortOrder: "date_desc",
		MatchMode: "partial_match_for_tags",
	})
	if err != nil {
		t.Fatalf("поиск: %v", err)
	}
	if gotAuth != "Bearer access-1" {
		t.Fatalf("заголовок авторизации = %q", gotAuth)
	}
	for _, part := range []string{"word=%D0%BA%D0%BE%D1%82%D0%B8%D0%BA%D0%B8", "offset=120", "filter=for_ios", "sort=date_desc", "search_target=partial_match_for_tags"} {
		if !strings.Contains(gotQuery, part) {
			t.Fatalf("в запросе нет %q: %q", part, gotQuery)
		}
	}

	want := []domain.Illust{
		{
			ID: 101, Title: "работа", AuthorName: "художник", XRestrict: 1, SanityLevel: 6,
			Tags: []string{"R-18"},
			URLs: domain.IllustURLs{
				Original: "https://i.pximg.net/o.png",
				Large:    "https://i.pximg.net/l.png",
				Medium:   "https://i.pximg.net/m.png",
			},
		},
		{
			// Без x_restrict работа считается безопасной, ссылки берутся
			// из первой страницы альбома.
			ID: 102, Title: "альбом", AuthorName: "художник",
			URLs: domain.IllustURLs{Original: "https://i.pximg.net/p0.png"},
		},
	}
	if diff := cmp.Diff(want, illusts); diff != "" {
		t.Fatalf("разбор ответа (-want +got):\n%s", diff)
	}
}

func TestSessionInvalidatedOnUnauthorized(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(api.Close)

	c := NewClient(api.URL, "http://unused", 100, staticToken("refresh-1"), zerolog.Nop())
	c.accessToken = "stale"
	c.expiresAt = time.Now().Add(time.Hour)

	if !c.Authenticated() {
		t.Fatal("исходная сессия должна считаться действительной")
	}
	if _, err := c.Recommended(context.Background()); err == nil {
		t.Fatal("ожидали ошибку сессии")
	}
	if c.Authenticated() {
		t.Fatal("после 401 сессия должна сбрасываться")
	}
}
