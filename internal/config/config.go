package config // package config loads application configuration from environment variables

import (
	"log"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all runtime configuration values.  Each field corresponds to
// an environment variable; nested structs contribute their tag as a prefix
// (DB_HOST, STRIPE_SECRET_KEY, RATE_LIMIT_CAPACITY, ...).
//
// Only the server and database settings are required at startup.  Provider
// credentials, the admin key and webhook secrets are optional here: the
// endpoints that need them report "missing configuration" per request so a
// partially configured deployment can still take bookings with the
// providers it does have.
type Config struct {
	Env  string `envconfig:"APP_ENV" default:"dev"`
	Port string `envconfig:"APP_PORT" required:"true"`

	DB DBConfig `envconfig:"DB"`

	AdminKey          string `envconfig:"ADMIN_KEY"`
	SiteURL           string `envconfig:"SITE_URL"`
	CrisisRedirectURL string `envconfig:"CRISIS_REDIRECT_URL" default:"/crisis-support"`
	RabbitURL         string `envconfig:"RABBITMQ_URL"`
	OTLPEndpoint      string `envconfig:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	Stripe StripeConfig `envconfig:"STRIPE"`
	PayPal PayPalConfig `envconfig:"PAYPAL"`
	MPesa  MPesaConfig  `envconfig:"MPESA"`
	Airtel AirtelConfig `envconfig:"AIRTEL"`

	Redis     RedisConfig     `envconfig:"REDIS"`
	RateLimit RateLimitConfig `envconfig:"RATE_LIMIT"`
	Cache     CacheConfig     `envconfig:"CACHE"`
}

// DBConfig describes the MySQL connection.
type DBConfig struct {
	User string `envconfig:"USER" required:"true"`
	Pass string `envconfig:"PASS"`
	Host string `envconfig:"HOST" required:"true"`
	Port string `envconfig:"PORT" required:"true"`
	Name string `envconfig:"NAME" required:"true"`
}

// StripeConfig holds card checkout credentials.
type StripeConfig struct {
	SecretKey string `envconfig:"SECRET_KEY"`
}

// PayPalConfig holds REST API client credentials.  BaseURL selects sandbox
// or live.
type PayPalConfig struct {
	ClientID     string `envconfig:"CLIENT_ID"`
	ClientSecret string `envconfig:"CLIENT_SECRET"`
	BaseURL      string `envconfig:"BASE_URL" default:"https://api-m.sandbox.paypal.com"`
}

// MPesaConfig holds Daraja STK push credentials.  The callback URL is the
// public address of /payments-webhook/mpesa; the webhook secret is appended
// to it as ?secret=.
type MPesaConfig struct {
	ConsumerKey    string `envconfig:"CONSUMER_KEY"`
	ConsumerSecret string `envconfig:"CONSUMER_SECRET"`
	ShortCode      string `envconfig:"SHORTCODE"`
	Passkey        string `envconfig:"PASSKEY"`
	BaseURL        string `envconfig:"BASE_URL" default:"https://sandbox.safaricom.co.ke"`
	CallbackURL    string `envconfig:"CALLBACK_URL"`
	WebhookSecret  string `envconfig:"WEBHOOK_SECRET"`
}

// AirtelConfig holds Airtel Money collection credentials.
type AirtelConfig struct {
	ClientID      string `envconfig:"CLIENT_ID"`
	ClientSecret  string `envconfig:"CLIENT_SECRET"`
	BaseURL       string `envconfig:"BASE_URL" default:"https://openapiuat.airtel.africa"`
	Country       string `envconfig:"COUNTRY" default:"KE"`
	Currency      string `envconfig:"CURRENCY" default:"KES"`
	WebhookSecret string `envconfig:"WEBHOOK_SECRET"`
}

// Load reads an optional .env file and then the process environment.
// Missing required variables cause the program to exit with a fatal log
// message.
func Load() Config {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("config: %v", err)
	}
	cfg.RateLimit.normalize()
	cfg.Cache.normalize()
	return cfg
}

// WorkerConfig is the subset read by the notification worker.
type WorkerConfig struct {
	Env       string `envconfig:"APP_ENV" default:"dev"`
	RabbitURL string `envconfig:"RABBITMQ_URL" required:"true"`
	LogDir    string `envconfig:"LOG_DIR" default:"logs"`
}

// LoadWorker reads the worker configuration the same way Load does.
func LoadWorker() WorkerConfig {
	_ = godotenv.Load()

	var cfg WorkerConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("config: %v", err)
	}
	return cfg
}
