/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5001"

	// DefaultCheckpointKey identifies the Binance deposit poller's cursor.
	DefaultCheckpointKey = "binance_deposit"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"PS_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"PS_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"PS_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"PS_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"PS_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"PS_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"PS_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"PS_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"PS_REDIS_SKIP_TLS_VERIFY"`
}

// BinanceConfig drives the deposit-history poller.
type BinanceConfig struct {
	APIKey               string `json:"api_key" envconfig:"PS_BINANCE_API_KEY"`
	APISecret            string `json:"api_secret" envconfig:"PS_BINANCE_API_SECRET"`
	BaseURL              string `json:"base_url" envconfig:"PS_BINANCE_BASE_URL"`
	PollIntervalSeconds  int    `json:"poll_interval_seconds" envconfig:"PS_POLLER_POLL_INTERVAL_SECONDS"`
	InitialLookbackHours int    `json:"initial_lookback_hours" envconfig:"PS_POLLER_INITIAL_LOOKBACK_HOURS"`
	WindowMinutes        int    `json:"window_minutes" envconfig:"PS_POLLER_WINDOW_MINUTES"`
	OverlapSeconds       int    `json:"overlap_seconds" envconfig:"PS_POLLER_OVERLAP_SECONDS"`
	FetchLimit           int    `json:"fetch_limit" envconfig:"PS_POLLER_FETCH_LIMIT"`
	CheckpointKey        string `json:"checkpoint_key" envconfig:"PS_POLLER_CHECKPOINT_KEY"`

	// Transparent retry of transient exchange errors; zero means defaults.
	RetryMaxElapsedMS      int `json:"retry_max_elapsed_ms" envconfig:"PS_BINANCE_RETRY_MAX_ELAPSED_MS"`
	RetryInitialIntervalMS int `json:"retry_initial_interval_ms" envconfig:"PS_BINANCE_RETRY_INITIAL_INTERVAL_MS"`
}

// AmountDiffConfig controls the trailing-digit nonce reserved on every
// published invoice amount.
type AmountDiffConfig struct {
	K                   int `json:"k" envconfig:"PS_AMOUNT_DIFF_K"`
	MaxCreationAttempts int `json:"max_creation_attempts" envconfig:"PS_INVOICE_CREATION_MAX_ATTEMPTS"`
}

// ProcessorConfig drives the matching/crediting loop.
type ProcessorConfig struct {
	IntervalSeconds      int            `json:"interval_seconds" envconfig:"PS_PROCESSOR_INTERVAL_SECONDS"`
	BatchSize            int            `json:"batch_size" envconfig:"PS_PROCESSOR_BATCH_SIZE"`
	Workers              int            `json:"workers" envconfig:"PS_PROCESSOR_WORKERS"`
	DefaultConfirmations int            `json:"default_confirmations" envconfig:"PS_DEFAULT_CONFIRMATIONS"`
	Confirmations        map[string]int `json:"confirmations"`
}

// WebhookConfig drives outbox delivery.
type WebhookConfig struct {
	Secret             string `json:"secret" envconfig:"PS_WEBHOOK_SECRET"`
	MaxAttempts        int    `json:"max_attempts" envconfig:"PS_WEBHOOK_MAX_ATTEMPTS"`
	BackoffBaseSeconds int    `json:"backoff_base_seconds" envconfig:"PS_WEBHOOK_BACKOFF_BASE_SECONDS"`
	BackoffCapSeconds  int    `json:"backoff_cap_seconds" envconfig:"PS_WEBHOOK_BACKOFF_CAP_SECONDS"`
	PollSeconds        int    `json:"poll_seconds" envconfig:"PS_WEBHOOK_WORKER_POLL_SECONDS"`
	TimeoutSeconds     int    `json:"timeout_seconds" envconfig:"PS_WEBHOOK_TIMEOUT_SECONDS"`
	DispatchBatch      int    `json:"dispatch_batch" envconfig:"PS_WEBHOOK_DISPATCH_BATCH"`
	StaleClaimSeconds  int    `json:"stale_claim_seconds" envconfig:"PS_WEBHOOK_STALE_CLAIM_SECONDS"`
}

type QueueConfig struct {
	WebhookQueue   string `json:"webhook_queue" envconfig:"PS_QUEUE_WEBHOOK_QUEUE"`
	MonitoringPort string `json:"monitoring_port" envconfig:"PS_QUEUE_MONITORING_PORT"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"PS_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"PS_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"PS_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
}

type Configuration struct {
	ProjectName     string           `json:"project_name" envconfig:"PS_PROJECT_NAME"`
	EnableTelemetry bool             `json:"enable_telemetry" envconfig:"PS_ENABLE_TELEMETRY"`
	TelemetryKey    string           `json:"telemetry_key" envconfig:"PS_TELEMETRY_KEY"`
	Server          ServerConfig     `json:"server"`
	DataSource      DataSourceConfig `json:"data_source"`
	Redis           RedisConfig      `json:"redis"`
	Binance         BinanceConfig    `json:"binance"`
	AmountDiff      AmountDiffConfig `json:"amount_diff"`
	Processor       ProcessorConfig  `json:"processor"`
	Webhook         WebhookConfig    `json:"webhook"`
	Queue           QueueConfig      `json:"queue"`
	Notification    Notification     `json:"notification"`
	RateLimit       RateLimitConfig  `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}
	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("ps", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called problemsolver.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Problemsolver"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Binance.BaseURL == "" {
		cnf.Binance.BaseURL = "https://api.binance.com"
	}
	if cnf.Binance.PollIntervalSeconds <= 0 {
		cnf.Binance.PollIntervalSeconds = 20
	}
	if cnf.Binance.InitialLookbackHours <= 0 {
		cnf.Binance.InitialLookbackHours = 24
	}
	if cnf.Binance.WindowMinutes <= 0 {
		cnf.Binance.WindowMinutes = 5
	}
	if cnf.Binance.OverlapSeconds <= 0 {
		cnf.Binance.OverlapSeconds = 60
	}
	if cnf.Binance.FetchLimit <= 0 {
		cnf.Binance.FetchLimit = 200
	}
	if cnf.Binance.CheckpointKey == "" {
		cnf.Binance.CheckpointKey = DefaultCheckpointKey
	}

	if cnf.AmountDiff.K <= 0 {
		cnf.AmountDiff.K = 3
	}
	if cnf.AmountDiff.MaxCreationAttempts <= 0 {
		cnf.AmountDiff.MaxCreationAttempts = 5
	}

	if cnf.Processor.IntervalSeconds <= 0 {
		cnf.Processor.IntervalSeconds = 5
	}
	if cnf.Processor.BatchSize <= 0 {
		cnf.Processor.BatchSize = 50
	}
	if cnf.Processor.Workers <= 0 {
		cnf.Processor.Workers = 4
	}
	if cnf.Processor.DefaultConfirmations <= 0 {
		cnf.Processor.DefaultConfirmations = 2
	}
	if cnf.Processor.Confirmations == nil {
		cnf.Processor.Confirmations = map[string]int{
			"ETH":   12,
			"ERC20": 12,
			"BEP20": 3,
			"BSC":   3,
			"TRC20": 20,
			"TRON":  20,
		}
	}

	if cnf.Webhook.MaxAttempts <= 0 {
		cnf.Webhook.MaxAttempts = 10
	}
	if cnf.Webhook.BackoffBaseSeconds <= 0 {
		cnf.Webhook.BackoffBaseSeconds = 1
	}
	if cnf.Webhook.BackoffCapSeconds <= 0 {
		cnf.Webhook.BackoffCapSeconds = 600
	}
	if cnf.Webhook.PollSeconds <= 0 {
		cnf.Webhook.PollSeconds = 2
	}
	if cnf.Webhook.TimeoutSeconds <= 0 {
		cnf.Webhook.TimeoutSeconds = 15
	}
	if cnf.Webhook.DispatchBatch <= 0 {
		cnf.Webhook.DispatchBatch = 20
	}
	if cnf.Webhook.StaleClaimSeconds <= 0 {
		cnf.Webhook.StaleClaimSeconds = 300
	}

	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = "new:webhook"
	}
	if cnf.Queue.MonitoringPort == "" {
		cnf.Queue.MonitoringPort = "5004"
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

// RequiredConfirmations returns the confirmation depth demanded before a
// deposit on the given network may be credited.
func (cnf *Configuration) RequiredConfirmations(network string) int {
	if network != "" {
		if n, ok := cnf.Processor.Confirmations[strings.ToUpper(network)]; ok {
			return n
		}
	}
	return cnf.Processor.DefaultConfirmations
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
