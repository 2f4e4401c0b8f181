package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает стартовую конфигурацию плагина.
// Горячие настройки (лимиты, фильтры, токен) живут в data-файле, не здесь.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	Port   int    `envconfig:"PORT" default:"8080"`

	DataDir  string `envconfig:"DATA_DIR" default:"./data"`
	CacheDir string `envconfig:"CACHE_DIR" default:"./data/pixiv_cache"`

	OneBot struct {
		APIURL      string `envconfig:"ONEBOT_API_URL" default:"http://127.0.0.1:3000"`
		AccessToken string `envconfig:"ONEBOT_ACCESS_TOKEN"`
	} `envconfig:""`

	Pixiv struct {
		BaseURL string `envconfig:"PIXIV_BASE_URL" default:"https://app-api.pixiv.net"`
		AuthURL string `envconfig:"PIXIV_AUTH_URL" default:"https://oauth.secure.pixiv.net/auth/token"`
		RPS     int    `envconfig:"PIXIV_RPS" default:"2"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
