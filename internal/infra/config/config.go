package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig holds the configuration of every binary.
type AppConfig struct {
	AppEnv      string `envconfig:"APP_ENV" default:"dev"`
	Port        int    `envconfig:"PORT" default:"8080"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`

	PGDSN     string `envconfig:"PG_DSN"`
	RedisAddr string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RabbitURL string `envconfig:"RABBITMQ_URL"`

	Digest struct {
		FreeMaxItems  int           `envconfig:"FREE_MAX_ITEMS" default:"3"`
		ProMaxItems   int           `envconfig:"PRO_MAX_ITEMS" default:"10"`
		ActionMode    string        `envconfig:"DIGEST_ACTION_MODE" default:"single"`
		ListCacheTTL  time.Duration `envconfig:"DIGEST_LIST_CACHE_TTL" default:"300s"`
		FreeCron      string        `envconfig:"FREE_DIGEST_CRON" default:"0 8 * * *"`
		FreeTimezone  string        `envconfig:"FREE_DIGEST_TZ" default:"UTC"`
		SendEmptyFree bool          `envconfig:"SEND_EMPTY_FREE_DIGEST" default:"false"`
	} `envconfig:""`

	Queue struct {
		Email           string        `envconfig:"EMAIL_QUEUE" default:"email-queue"`
		Attempts        int           `envconfig:"JOB_ATTEMPTS" default:"3"`
		Backoff         time.Duration `envconfig:"JOB_BACKOFF" default:"5s"`
		PromoteInterval time.Duration `envconfig:"QUEUE_PROMOTE_INTERVAL" default:"1s"`
		Notifications   string        `envconfig:"NOTIFICATION_QUEUE" default:"notifications"`
	} `envconfig:""`

	Providers struct {
		GoogleClientID     string        `envconfig:"G_CLIENT_ID"`
		GoogleClientSecret string        `envconfig:"G_CLIENT_SECRET"`
		GitHubClientID     string        `envconfig:"GITHUB_CLIENT_ID"`
		GitHubClientSecret string        `envconfig:"GITHUB_CLIENT_SECRET"`
		MailWindow         time.Duration `envconfig:"PROVIDER_MAIL_WINDOW" default:"48h"`
		CalendarWindow     time.Duration `envconfig:"PROVIDER_CALENDAR_WINDOW" default:"336h"`
		GitHubWindow       time.Duration `envconfig:"PROVIDER_GITHUB_WINDOW" default:"1440h"`
		MaxResults         int           `envconfig:"PROVIDER_MAX_RESULTS" default:"50"`
		Timeout            time.Duration `envconfig:"PROVIDER_TIMEOUT" default:"20s"`
	} `envconfig:""`

	Mail struct {
		Region      string `envconfig:"SES_REGION" default:"us-east-1"`
		AccessKey   string `envconfig:"SES_ACCESS_KEY"`
		SecretKey   string `envconfig:"SES_SECRET_KEY"`
		FromName    string `envconfig:"MAIL_FROM_NAME" default:"BrevPulse"`
		FromEmail   string `envconfig:"MAIL_FROM_EMAIL" default:"digest@brevpulse.com"`
		FrontendURL string `envconfig:"FRONTEND_URL" default:"https://brevpulse.com"`
	} `envconfig:""`

	Paystack struct {
		SecretKey   string        `envconfig:"PAYSTACK_SECRET_KEY"`
		BaseURL     string        `envconfig:"PAYSTACK_BASE_URL" default:"https://api.paystack.co"`
		ProPlanCode string        `envconfig:"PAYSTACK_PRO_PLAN_CODE"`
		ProAmount   int64         `envconfig:"PAYSTACK_PRO_AMOUNT" default:"400000"`
		CallbackURL string        `envconfig:"PAYSTACK_CALLBACK_URL"`
		Timeout     time.Duration `envconfig:"PAYSTACK_TIMEOUT" default:"15s"`
	} `envconfig:""`

	OpenAI struct {
		APIKey  string        `envconfig:"OPENAI_API_KEY"`
		BaseURL string        `envconfig:"OPENAI_BASE_URL"`
		Model   string        `envconfig:"OPENAI_MODEL" default:"gpt-4.1-mini"`
		Timeout time.Duration `envconfig:"OPENAI_TIMEOUT" default:"30s"`
	} `envconfig:""`

	Auth struct {
		TokenSecret string   `envconfig:"API_TOKEN_SECRET"`
		CORSOrigins []string `envconfig:"CORS_ORIGINS" default:"https://brevpulse.com"`
	} `envconfig:""`
}

// Load reads the configuration from the environment.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("config: failed to load: %v", err)
	}
	return cfg
}
