package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChaceQC/napcat-plugin-pixiv/internal/adapters/bot"
	"github.com/ChaceQC/napcat-plugin-pixiv/internal/adapters/onebot"
	"github.com/ChaceQC/napcat-plugin-pixiv/internal/adapters/pixiv"
	"github.com/ChaceQC/napcat-plugin-pixiv/internal/infra/config"
	"github.com/ChaceQC/napcat-plugin-pixiv/internal/infra/log"
	"github.com/ChaceQC/napcat-plugin-pixiv/internal/infra/metrics"
	"github.com/ChaceQC/napcat-plugin-pixiv/internal/infra/store"
	"github.com/ChaceQC/napcat-plugin-pixiv/internal/usecase/banlist"
	"github.com/ChaceQC/napcat-plugin-pixiv/internal/usecase/fetch"
	"github.com/ChaceQC/napcat-plugin-pixiv/internal/usecase/imagecache"
	"github.com/ChaceQC/napcat-plugin-pixiv/internal/usecase/limits"
	"github.com/ChaceQC/napcat-plugin-pixiv/internal/usecase/settings"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := log.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	dataStore, err := store.NewJSONFiles(cfg.DataDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось открыть хранилище данных")
	}

	settingsUC := settings.NewService(dataStore, logger)
	banUC := banlist.NewService(dataStore, logger)

	opts := settingsUC.Current()
	window := limits.NewWindow(opts.RateLimitPerMinute)
	cooldown := limits.NewCooldown(time.Duration(opts.GroupCooldownSeconds) * time.Second)

	images, err := imagecache.New(cfg.CacheDir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("не удалось открыть кэш изображений")
	}
	janitor := imagecache.NewJanitor(images, logger)
	janitor.Restart(time.Duration(opts.CacheCleanMinutes) * time.Minute)
	defer janitor.Stop()

	feed := pixiv.NewClient(cfg.Pixiv.BaseURL, cfg.Pixiv.AuthURL, cfg.Pixiv.RPS, func() string {
		return settingsUC.Current().RefreshToken
	}, logger)

	settingsUC.OnChange(func(old, new settings.Options) {
		if old.RefreshToken != new.RefreshToken || old.AllowMature != new.AllowMature {
			feed.Invalidate()
		}
		if old.RateLimitPerMinute != new.RateLimitPerMinute {
			window.SetLimit(new.RateLimitPerMinute)
		}
		if old.GroupCooldownSeconds != new.GroupCooldownSeconds {
			cooldown.SetTTL(time.Duration(new.GroupCooldownSeconds) * time.Second)
		}
		if old.CacheCleanMinutes != new.CacheCleanMinutes {
			janitor.Restart(time.Duration(new.CacheCleanMinutes) * time.Minute)
		}
	})

	filter := fetch.NewFilter(banUC)
	fetchUC := fetch.NewService(feed, filter, settingsUC, logger)

	sender := onebot.NewClient(cfg.OneBot.APIURL, cfg.OneBot.AccessToken, logger)
	h := bot.NewHandler(sender, logger, fetchUC, banUC, settingsUC, images, window, cooldown)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Post("/onebot/event", func(w http.ResponseWriter, r *http.Request) {
		var ev onebot.Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// NapCat ждёт быстрый ответ; конвейер работает вне запроса.
		go h.HandleEvent(context.Background(), ev)
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Port), Handler: r}
	go func() {
		logger.Info().Int("port", cfg.Port).Msg("плагин pixiv запущен")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("HTTP сервер остановлен")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop
	logger.Info().Msg("остановка плагина")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
