package imagecache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("создание кэша: %v", err)
	}
	return c
}

func TestFetchDownloadsOnce(t *testing.T) {
	downloads := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		downloads++
		if r.Header.Get("Referer") != pixivReferer {
			t.Errorf("неверный Referer: %q", r.Header.Get("Referer"))
		}
		w.Write([]byte("png-bytes"))
	}))
	defer srv.Close()

	c := newTestCache(t)
	ctx := context.Background()

	first, err := c.Fetch(ctx, srv.URL+"/img/12345_p0.png")
	if err != nil {
		t.Fatalf("первая загрузка: %v", err)
	}
	data, err := os.ReadFile(first)
	if err != nil {
		t.Fatalf("чтение файла кэша: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Fatalf("содержимое файла: %q", data)
	}

	second, err := c.Fetch(ctx, srv.URL+"/img/12345_p0.png")
	if err != nil {
		t.Fatalf("повторная загрузка: %v", err)
	}
	if second != first {
		t.Fatalf("повтор должен вернуть тот же путь: %q != %q", second, first)
	}
	if downloads != 1 {
		t.Fatalf("повторный запрос должен идти из кэша, загрузок: %d", downloads)
	}
}

func TestFetchFailureLeavesNoFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := newTestCache(t)
	if _, err := c.Fetch(context.Background(), srv.URL+"/img/404_p0.png"); err == nil {
		t.Fatal("ожидали ошибку загрузки")
	}
	if _, err := os.Stat(filepath.Join(c.dir, "404_p0.png")); !os.IsNotExist(err) {
		t.Fatal("неудачная загрузка не должна оставлять файл")
	}
}

func TestFetchBadURL(t *testing.T) {
	c := newTestCache(t)
	if _, err := c.Fetch(context.Background(), "https://i.pximg.net/"); err == nil {
		t.Fatal("ссылка без имени файла должна отклоняться")
	}
}

func TestCleanStaleKeepsFresh(t *testing.T) {
	c := newTestCache(t)
	stale := filepath.Join(c.dir, "old_p0.png")
	fresh := filepath.Join(c.dir, "new_p0.png")
	for _, name := range []string{stale, fresh} {
		if err := os.WriteFile(name, []byte("x"), 0o644); err != nil {
			t.Fatalf("подготовка файла: %v", err)
		}
	}
	past := time.Now().Add(-10 * time.Minute)
	if err := os.Chtimes(stale, past, past); err != nil {
		t.Fatalf("сдвиг времени файла: %v", err)
	}

	removed, err := c.CleanStale(StaleWindow)
	if err != nil {
		t.Fatalf("очистка: %v", err)
	}
	if removed != 1 {
		t.Fatalf("удалено %d файлов, ожидали 1", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("старый файл должен быть удалён")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Fatal("свежий файл должен уцелеть")
	}
}

func TestCleanAllRecreatesDir(t *testing.T) {
	c := newTestCache(t)
	if err := os.WriteFile(filepath.Join(c.dir, "a_p0.png"), []byte("x"), 0o644); err != nil {
		t.Fatalf("подготовка файла: %v", err)
	}

	if err := c.CleanAll(); err != nil {
		t.Fatalf("полная очистка: %v", err)
	}
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		t.Fatalf("каталог должен быть пересоздан: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("каталог должен быть пуст, найдено %d записей", len(entries))
	}
}
