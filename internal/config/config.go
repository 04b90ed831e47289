package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"local"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	PostgresDSN string `env:"POSTGRES_DSN,required"`
	HealthPort  int    `env:"HEALTH_PORT" envDefault:"8080"`

	// Resolution
	MatchStart        string        `env:"MATCH_START" envDefault:"1900-01-01T00:00:00Z"`
	GeocodeBaseURL    string        `env:"GEOCODE_BASE_URL" envDefault:"https://nominatim.openstreetmap.org"`
	GeocodeRPS        float64       `env:"GEOCODE_RPS" envDefault:"2"`
	GeocodeTimeout    time.Duration `env:"GEOCODE_TIMEOUT" envDefault:"30s"`
	GeocodeAttempts   int           `env:"GEOCODE_MAX_ATTEMPTS" envDefault:"10"`
	GeocodeRetryWait  time.Duration `env:"GEOCODE_RETRY_WAIT" envDefault:"5s"`
	GeocodeCanaryName string        `env:"GEOCODE_CANARY_NAME" envDefault:"Paris"`

	// Clustering
	TimeThresholdDays     float64 `env:"TIME_THRESHOLD_DAYS" envDefault:"7"`
	UnsplitThresholdDays  float64 `env:"UNSPLIT_THRESHOLD_DAYS" envDefault:"2"`
	EventsCorrThreshold   float64 `env:"EVENTS_CORR_THRESHOLD" envDefault:"0.5"`
	EventsSubsplit        bool    `env:"EVENTS_SUBSPLIT" envDefault:"true"`
	EventsSubsplitMinSize int     `env:"EVENTS_SUBSPLIT_MIN_SIZE" envDefault:"4"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
