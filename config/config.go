/*
Copyright 2025 Fabrik Authors.

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
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"FABRIK_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"FABRIK_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"FABRIK_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"FABRIK_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"FABRIK_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"FABRIK_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"FABRIK_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"FABRIK_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"FABRIK_REDIS_SKIP_TLS_VERIFY"`
}

// PipelineConfig holds the pipeline engine tunables. Disabling the engine
// short-circuits order processing without creating pipelines. Enabled and
// AutoProcessOnPayment default to off; fulfillment and payment-triggered
// auto-processing are both opt-in.
type PipelineConfig struct {
	Enabled                    bool  `json:"enabled" envconfig:"FABRIK_PIPELINE_ENABLED"`
	AutoProcessOnPayment       bool  `json:"auto_process_on_payment" envconfig:"FABRIK_PIPELINE_AUTO_PROCESS_ON_PAYMENT"`
	MaxRetries                 int   `json:"max_retries" envconfig:"FABRIK_PIPELINE_MAX_RETRIES"`
	RetryDelayMs               int   `json:"retry_delay_ms" envconfig:"FABRIK_PIPELINE_RETRY_DELAY_MS"`
	QualityCheckThresholdCents int64 `json:"quality_check_threshold_cents" envconfig:"FABRIK_PIPELINE_QUALITY_CHECK_THRESHOLD_CENTS"`
}

type QueueConfig struct {
	PipelineQueue    string `json:"pipeline_queue" envconfig:"FABRIK_QUEUE_PIPELINE"`
	FulfillmentQueue string `json:"fulfillment_queue" envconfig:"FABRIK_QUEUE_FULFILLMENT"`
	WebhookQueue     string `json:"webhook_queue" envconfig:"FABRIK_QUEUE_WEBHOOK"`
	NumberOfQueues   int    `json:"number_of_queues" envconfig:"FABRIK_QUEUE_NUMBER_OF_QUEUES"`
	MonitoringPort   string `json:"monitoring_port" envconfig:"FABRIK_QUEUE_MONITORING_PORT"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"FABRIK_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"FABRIK_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"FABRIK_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type Configuration struct {
	ProjectName  string           `json:"project_name" envconfig:"FABRIK_PROJECT_NAME"`
	Server       ServerConfig     `json:"server"`
	DataSource   DataSourceConfig `json:"data_source"`
	Redis        RedisConfig      `json:"redis"`
	Pipeline     PipelineConfig   `json:"pipeline"`
	Queue        QueueConfig      `json:"queue"`
	Notification Notification     `json:"notification"`
	RateLimit    RateLimitConfig  `json:"rate_limit"`
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
	err = envconfig.Process("fabrik", &cnf)
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
		return nil, errors.New("config not loaded from file. Create a json file called fabrik.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Fabrik Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	// Set default value for Port if it's empty
	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	cnf.Queue.applyDefaults()
	cnf.Pipeline.applyDefaults()

	// Enabling the engine is an explicit decision, but a disabled engine
	// should never be a silent one.
	if !cnf.Pipeline.Enabled {
		log.Println("Warning: Pipeline engine is disabled. Orders will be accepted but not fulfilled until pipeline.enabled is set.")
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

	// Set default cleanup interval if not specified
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
		log.Printf("Warning: Rate limit cleanup interval not specified. Setting default value: %d seconds", defaultCleanup)
	}

	return nil
}

func (q *QueueConfig) applyDefaults() {
	if q.PipelineQueue == "" {
		q.PipelineQueue = "new:pipeline"
	}
	if q.FulfillmentQueue == "" {
		q.FulfillmentQueue = "new:fulfillment"
	}
	if q.WebhookQueue == "" {
		q.WebhookQueue = "new:webhook"
	}
	if q.NumberOfQueues <= 0 {
		q.NumberOfQueues = 4
	}
	if q.MonitoringPort == "" {
		q.MonitoringPort = "5003"
	}
}

func (p *PipelineConfig) applyDefaults() {
	if p.MaxRetries <= 0 {
		p.MaxRetries = 3
	}
	if p.RetryDelayMs <= 0 {
		p.RetryDelayMs = 60_000
	}
	if p.QualityCheckThresholdCents <= 0 {
		p.QualityCheckThresholdCents = 10_000
	}
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	mockConfig.Queue.applyDefaults()
	mockConfig.Pipeline.applyDefaults()
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
