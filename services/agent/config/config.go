package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config holds typed configuration for the agent service.
type Config struct {
	LogLevel     string
	HTTPPort     string
	GRPCPort     string
	MetricsAddr  string
	KafkaBrokers string
	RedisAddr    string
	PostgresDSN  string
	OTelEndpoint string

	LifecycleTopic string
	LifecycleGroup string
	RelayTopic     string

	// Host facilities.
	BudgetDuration   time.Duration
	BudgetsPerMinute int
	HostWindow       time.Duration
	HostPollInterval time.Duration
	GrantsPerHour    int
	NetworkAvailable bool
	ExternalPower    bool

	// Coordinators.
	ExpiryGrace         time.Duration
	TaskIdentifier      string
	RefreshSchedule     string
	SessionPollInterval time.Duration
	RequiresNetwork     bool
	RequiresPower       bool

	// Executor.
	BatchSize    int
	SendTimeout  time.Duration
	SendAttempts int

	// Notices.
	NoticeLimit  int
	NoticeWindow time.Duration
	NoticeDelay  time.Duration

	SMTPHost     string
	SMTPPort     int
	SMTPFrom     string
	SMTPUsername string
	SMTPPassword string
}

// Load reads all values from the given viper instance.
func Load(v *viper.Viper) Config {
	return Config{
		LogLevel:     v.GetString("log_level"),
		HTTPPort:     v.GetString("http_port"),
		GRPCPort:     v.GetString("grpc_port"),
		MetricsAddr:  v.GetString("metrics_addr"),
		KafkaBrokers: v.GetString("kafka_brokers"),
		RedisAddr:    v.GetString("redis_addr"),
		PostgresDSN:  v.GetString("postgres_dsn"),
		OTelEndpoint: v.GetString("otel_endpoint"),

		LifecycleTopic: v.GetString("lifecycle_topic"),
		LifecycleGroup: v.GetString("lifecycle_group"),
		RelayTopic:     v.GetString("relay_topic"),

		BudgetDuration:   v.GetDuration("budget_duration"),
		BudgetsPerMinute: v.GetInt("budgets_per_minute"),
		HostWindow:       v.GetDuration("host_window"),
		HostPollInterval: v.GetDuration("host_poll_interval"),
		GrantsPerHour:    v.GetInt("grants_per_hour"),
		NetworkAvailable: v.GetBool("network_available"),
		ExternalPower:    v.GetBool("external_power"),

		ExpiryGrace:         v.GetDuration("expiry_grace"),
		TaskIdentifier:      v.GetString("task_identifier"),
		RefreshSchedule:     v.GetString("refresh_schedule"),
		SessionPollInterval: v.GetDuration("session_poll_interval"),
		RequiresNetwork:     v.GetBool("requires_network"),
		RequiresPower:       v.GetBool("requires_power"),

		BatchSize:    v.GetInt("batch_size"),
		SendTimeout:  v.GetDuration("send_timeout"),
		SendAttempts: v.GetInt("send_attempts"),

		NoticeLimit:  v.GetInt("notice_limit"),
		NoticeWindow: v.GetDuration("notice_window"),
		NoticeDelay:  v.GetDuration("notice_delay"),

		SMTPHost:     v.GetString("smtp_host"),
		SMTPPort:     v.GetInt("smtp_port"),
		SMTPFrom:     v.GetString("smtp_from"),
		SMTPUsername: v.GetString("smtp_username"),
		SMTPPassword: v.GetString("smtp_password"),
	}
}
