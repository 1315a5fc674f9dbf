/*
Copyright 2024 Blnk Finance Authors.

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
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5004"

	BusPostgres = "postgres"
	BusRedis    = "redis"

	defaultChannel           = "content_change"
	defaultStream            = "contentsync:changes"
	defaultGroup             = "contentsync"
	defaultConsumeInterval   = 5 * time.Second
	defaultReconcileInterval = 30 * time.Second
	defaultBatchSize         = 500
	defaultFetchPageSize     = 500
	defaultRetryAttempts     = 3
	defaultRetrySpacing      = 500 * time.Millisecond
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"CONTENTSYNC_SERVER_SSL"`
	SecretKey string `json:"secret_key" envconfig:"CONTENTSYNC_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"CONTENTSYNC_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"CONTENTSYNC_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"CONTENTSYNC_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns    string `json:"dns" envconfig:"CONTENTSYNC_DATA_SOURCE_DNS"`
	Schema string `json:"schema" envconfig:"CONTENTSYNC_DATA_SOURCE_SCHEMA"`
}

type RedisConfig struct {
	Dns string `json:"dns" envconfig:"CONTENTSYNC_REDIS_DNS"`
}

type TypeSenseConfig struct {
	Dns    string `json:"dns" envconfig:"CONTENTSYNC_TYPESENSE_DNS"`
	APIKey string `json:"api_key" envconfig:"CONTENTSYNC_TYPESENSE_API_KEY"`
}

// BusConfig selects the transport that carries change notifications.
type BusConfig struct {
	Kind    string `json:"kind" envconfig:"CONTENTSYNC_BUS_KIND"`
	Channel string `json:"channel" envconfig:"CONTENTSYNC_BUS_CHANNEL"`
	Stream  string `json:"stream" envconfig:"CONTENTSYNC_BUS_STREAM"`
	Group   string `json:"group" envconfig:"CONTENTSYNC_BUS_GROUP"`
}

type SyncConfig struct {
	ScopeID           string        `json:"scope_id" envconfig:"CONTENTSYNC_SCOPE_ID"`
	ScopeTable        string        `json:"scope_table" envconfig:"CONTENTSYNC_SCOPE_TABLE"`
	TrackedTypes      []string      `json:"tracked_types" envconfig:"CONTENTSYNC_TRACKED_TYPES"`
	SearchTypes       []string      `json:"search_types" envconfig:"CONTENTSYNC_SEARCH_TYPES"`
	ConsumeInterval   time.Duration `json:"consume_interval" envconfig:"CONTENTSYNC_CONSUME_INTERVAL"`
	ReconcileInterval time.Duration `json:"reconcile_interval" envconfig:"CONTENTSYNC_RECONCILE_INTERVAL"`
	Reentrant         bool          `json:"reentrant" envconfig:"CONTENTSYNC_REENTRANT"`
	BatchSize         int           `json:"batch_size" envconfig:"CONTENTSYNC_BATCH_SIZE"`
	FetchPageSize     int           `json:"fetch_page_size" envconfig:"CONTENTSYNC_FETCH_PAGE_SIZE"`
	RetryAttempts     int           `json:"retry_attempts" envconfig:"CONTENTSYNC_RETRY_ATTEMPTS"`
	RetrySpacing      time.Duration `json:"retry_spacing" envconfig:"CONTENTSYNC_RETRY_SPACING"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"CONTENTSYNC_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"CONTENTSYNC_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"CONTENTSYNC_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url" envconfig:"CONTENTSYNC_SLACK_WEBHOOK_URL"`
}

type Notification struct {
	Slack SlackWebhook `json:"slack"`
}

type TelemetryConfig struct {
	OtlpEndpoint  string `json:"otlp_endpoint" envconfig:"CONTENTSYNC_OTLP_ENDPOINT"`
	OtlpHeaders   string `json:"otlp_headers" envconfig:"CONTENTSYNC_OTLP_HEADERS"`
	PosthogKey    string `json:"posthog_key" envconfig:"CONTENTSYNC_POSTHOG_KEY"`
	PosthogHost   string `json:"posthog_host" envconfig:"CONTENTSYNC_POSTHOG_HOST"`
	EnableAPMHook bool   `json:"enable_apm_hook" envconfig:"CONTENTSYNC_ENABLE_APM_HOOK"`
}

type Configuration struct {
	ProjectName  string           `json:"project_name" envconfig:"CONTENTSYNC_PROJECT_NAME"`
	Server       ServerConfig     `json:"server"`
	DataSource   DataSourceConfig `json:"data_source"`
	Redis        RedisConfig      `json:"redis"`
	TypeSense    TypeSenseConfig  `json:"typesense"`
	Bus          BusConfig        `json:"bus"`
	Sync         SyncConfig       `json:"sync"`
	Notification Notification     `json:"notification"`
	RateLimit    RateLimitConfig  `json:"rate_limit"`
	Telemetry    TelemetryConfig  `json:"telemetry"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("contentsync", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return nil
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called contentsync.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Sync.ScopeID = strings.TrimSpace(cnf.Sync.ScopeID)

	if cnf.ProjectName == "" {
		cnf.ProjectName = "Content Sync"
	}
	if cnf.TypeSense.Dns == "" {
		cnf.TypeSense.Dns = "http://typesense:8108"
	}
	if cnf.DataSource.Schema == "" {
		cnf.DataSource.Schema = "public"
	}
	if cnf.Bus.Kind == "" {
		cnf.Bus.Kind = BusPostgres
	}

	err := validation.ValidateStruct(cnf,
		validation.Field(&cnf.DataSource, validation.By(func(interface{}) error {
			return validation.Validate(cnf.DataSource.Dns, validation.Required.Error("data source DNS is required"))
		})),
		validation.Field(&cnf.Redis, validation.By(func(interface{}) error {
			return validation.Validate(cnf.Redis.Dns, validation.Required.Error("redis DNS is required"))
		})),
		validation.Field(&cnf.Bus, validation.By(func(interface{}) error {
			return validation.Validate(cnf.Bus.Kind, validation.In(BusPostgres, BusRedis).Error("bus kind must be postgres or redis"))
		})),
		validation.Field(&cnf.Sync, validation.By(func(interface{}) error {
			return validation.ValidateStruct(&cnf.Sync,
				validation.Field(&cnf.Sync.TrackedTypes, validation.Required.Error("at least one tracked type is required")),
				validation.Field(&cnf.Sync.BatchSize, validation.Min(0)),
				validation.Field(&cnf.Sync.RetryAttempts, validation.Min(0)),
			)
		})),
	)
	if err != nil {
		return err
	}

	cnf.applySyncDefaults()

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	return nil
}

func (cnf *Configuration) applySyncDefaults() {
	s := &cnf.Sync
	if s.ConsumeInterval <= 0 {
		s.ConsumeInterval = defaultConsumeInterval
	}
	if s.ReconcileInterval <= 0 {
		s.ReconcileInterval = defaultReconcileInterval
	}
	if s.BatchSize == 0 {
		s.BatchSize = defaultBatchSize
	}
	if s.FetchPageSize <= 0 {
		s.FetchPageSize = defaultFetchPageSize
	}
	if s.RetryAttempts == 0 {
		s.RetryAttempts = defaultRetryAttempts
	}
	if s.RetrySpacing <= 0 {
		s.RetrySpacing = defaultRetrySpacing
	}
	if len(s.SearchTypes) == 0 {
		s.SearchTypes = append([]string(nil), s.TrackedTypes...)
	}

	if cnf.Bus.Channel == "" {
		cnf.Bus.Channel = defaultChannel
	}
	if cnf.Bus.Stream == "" {
		cnf.Bus.Stream = defaultStream
	}
	if cnf.Bus.Group == "" {
		cnf.Bus.Group = defaultGroup
	}
}

// SetOtelExporterEnvs exports the configured OTLP endpoint and headers so
// the otlptracehttp exporter picks them up.
func SetOtelExporterEnvs() error {
	cnf, err := Fetch()
	if err != nil {
		return err
	}
	if cnf.Telemetry.OtlpEndpoint != "" {
		if err := os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cnf.Telemetry.OtlpEndpoint); err != nil {
			return err
		}
	}
	if cnf.Telemetry.OtlpHeaders != "" {
		if err := os.Setenv("OTEL_EXPORTER_OTLP_HEADERS", cnf.Telemetry.OtlpHeaders); err != nil {
			return err
		}
	}
	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
