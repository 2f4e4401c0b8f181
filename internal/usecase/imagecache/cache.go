package imagecache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/ChaceQC/napcat-plugin-pixiv/internal/infra/metrics"
)

// Хосты pixiv отдают изображения только с таким Referer.
const pixivReferer = "https://www.pixiv.net"

// StaleWindow — защитный интервал умной очистки: файлы моложе него не
// удаляются, чтобы не выбить изображение, которое ещё заливается в чат.
const StaleWindow = 5 * time.Minute

// Cache — локальный кэш скачанных изображений. Ключ — basename URL;
// два разных URL с одинаковым именем файла сталкиваются, это известное
// ограничение (в ссылках апстрима имя содержит id работы и номер страницы).
type Cache struct {
	dir  string
	http *http.Client
	log  zerolog.Logger
}

// New создаёт кэш и каталог под него.
func New(dir string, logger zerolog.Logger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("создание каталога кэша: %w", err)
	}
	return &Cache{
		dir:  dir,
		http: &http.Client{Timeout: 30 * time.Second},
		log:  logger,
	}, nil
}

// Fetch возвращает локальный путь изображения, скачивая его при отсутствии
// в кэше. Неудачная загрузка не оставляет файла, который мог бы потом ложно
// считаться попаданием.
func (c *Cache) Fetch(ctx context.Context, imageURL string) (string, error) {
	parsed, err := url.Parse(imageURL)
	if err != nil {
		return "", fmt.Errorf("разбор ссылки изображения: %w", err)
	}
	name := path.Base(parsed.Path)
	if name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("у ссылки %q нет имени файла", imageURL)
	}
	target := filepath.Join(c.dir, name)
	if _, err := os.Stat(target); err == nil {
		metrics.ImageCacheHits.Inc()
		return target, nil
	}
	metrics.ImageCacheMisses.Inc()
	if err := c.download(ctx, imageURL, target); err != nil {
		return "", err
	}
	return target, nil
}

func (c *Cache) download(ctx context.Context, imageURL, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return fmt.Errorf("построение запроса: %w", err)
	}
	req.Header.Set("Referer", pixivReferer)

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest("image_cache", "download", start, err)
		return fmt.Errorf("загрузка изображения: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		err = fmt.Errorf("загрузка изображения: статус %d", resp.StatusCode)
		metrics.ObserveNetworkRequest("image_cache", "download", start, err)
		return err
	}

	tmp, err := os.CreateTemp(c.dir, ".download.*")
	if err != nil {
		metrics.ObserveNetworkRequest("image_cache", "download", start, err)
		return fmt.Errorf("временный файл: %w", err)
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		metrics.ObserveNetworkRequest("image_cache", "download", start, err)
		return fmt.Errorf("запись изображения: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		metrics.ObserveNetworkRequest("image_cache", "download", start, err)
		return fmt.Errorf("закрытие файла: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		os.Remove(tmp.Name())
		metrics.ObserveNetworkRequest("image_cache", "download", start, err)
		return fmt.Errorf("сохранение изображения: %w", err)
	}
	metrics.ObserveNetworkRequest("image_cache", "download", start, nil)
	return nil
}

// CleanAll удаляет весь кэш и пересоздаёт каталог.
func (c *Cache) CleanAll() error {
	if err := os.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("удаление кэша: %w", err)
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("пересоздание каталога кэша: %w", err)
	}
	return nil
}

// CleanStale удаляет файлы старше защитного интервала. Возвращает число удалённых.
func (c *Cache) CleanStale(window time.Duration) (int, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("чтение каталога кэша: %w", err)
	}
	cutoff := time.Now().Add(-window)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(c.dir, entry.Name())); err != nil {
			c.log.Warn().Err(err).Str("file", entry.Name()).Msg("не удалось удалить файл кэша")
			continue
		}
		removed++
	}
	return removed, nil
}
