package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pixiv_commands_total",
		Help: "Количество обработанных команд",
	}, []string{"command"})

	FilterRejectedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pixiv_filter_rejected_total",
		Help: "Количество работ, отброшенных фильтрами",
	}, []string{"reason"})

	FeedAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pixiv_feed_attempts_total",
		Help: "Количество обращений к ленте в рамках сессий получения",
	}, []string{"operation"})

	RateLimitedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixiv_rate_limited_total",
		Help: "Количество команд, отклонённых глобальным лимитом",
	})

	CooldownRejectedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixiv_cooldown_rejected_total",
		Help: "Количество команд, отклонённых кулдауном группы",
	})

	ImageCacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixiv_image_cache_hits_total",
		Help: "Попадания в кэш изображений",
	})

	ImageCacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pixiv_image_cache_misses_total",
		Help: "Промахи кэша изображений",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		CommandsTotal,
		FilterRejectedTotal,
		FeedAttemptsTotal,
		RateLimitedTotal,
		CooldownRejectedTotal,
		ImageCacheHits,
		ImageCacheMisses,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, status).Inc()
}

// ObserveFilterStats увеличивает счётчики отсева по результатам батча.
func ObserveFilterStats(mature, sensitive, banned int) {
	if mature > 0 {
		FilterRejectedTotal.WithLabelValues("mature").Add(float64(mature))
	}
	if sensitive > 0 {
		FilterRejectedTotal.WithLabelValues("sensitive").Add(float64(sensitive))
	}
	if banned > 0 {
		FilterRejectedTotal.WithLabelValues("banned_word").Add(float64(banned))
	}
}
