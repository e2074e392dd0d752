package config

// Config is the root of the engine's file configuration.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "48h").
type Config struct {
	Telegram   TelegramConfig   `json:"telegram"`
	Recipients RecipientsConfig `json:"recipients"`
	Escalation EscalationConfig `json:"escalation"`
	Poller     PollerConfig     `json:"poller"`
	FastQueue  *FastQueueConfig `json:"fast_queue,omitempty"`
	Storage    StorageConfig    `json:"storage"`
	Settings   SettingsConfig   `json:"settings,omitempty"`
	Logging    LoggingConfig    `json:"logging"`
}

// TelegramConfig holds the two bot credentials. Customer-facing traffic and
// staff-facing traffic use separate bots so a burst of customer notifications
// cannot starve staff alerts out of the shared rate-limit pool.
type TelegramConfig struct {
	Customer BotConfig `json:"customer"`
	Staff    BotConfig `json:"staff"`
}

type BotConfig struct {
	Token      string `json:"token"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

type RecipientsConfig struct {
	AdminChatID   int64 `json:"admin_chat_id"`
	CourierChatID int64 `json:"courier_chat_id"`
	// OpsChatID receives aggregate job reports. Defaults to AdminChatID.
	OpsChatID int64 `json:"ops_chat_id,omitempty"`
}

// EscalationConfig sets the default delays for the unpaid-order triad and the
// short delays for informational notices. The settings table can override the
// triad delays at runtime; these are the fallbacks.
type EscalationConfig struct {
	ReminderFirst string `json:"reminder_first,omitempty"` // default "48h"
	ReminderFinal string `json:"reminder_final,omitempty"` // default "51h"
	AutoCancel    string `json:"auto_cancel,omitempty"`    // default "72h"
	BonusDelay    string `json:"bonus_delay,omitempty"`    // default "10s"
	RestockDelay  string `json:"restock_delay,omitempty"`  // default "5s"
	TierDelay     string `json:"tier_delay,omitempty"`     // default "10s"
}

type PollerConfig struct {
	SweepInterval   string `json:"sweep_interval,omitempty"`   // default "60s"
	CleanupInterval string `json:"cleanup_interval,omitempty"` // default "1h"
	ReportInterval  string `json:"report_interval,omitempty"`  // default "6h"
	BatchSize       int    `json:"batch_size,omitempty"`       // default 50
	Workers         int    `json:"workers,omitempty"`          // default 4
	RetryMax        int    `json:"retry_max,omitempty"`        // default 2
	RetryBackoff    string `json:"retry_backoff,omitempty"`    // default "5m"
	Retention       string `json:"retention,omitempty"`        // default "168h"
}

// FastQueueConfig enables the Redis-backed near-real-time path.
// When the section is omitted or Redis is unreachable, near-real-time jobs
// fall back to synchronous inline execution.
type FastQueueConfig struct {
	Enabled       bool   `json:"enabled"`
	RedisAddr     string `json:"redis_addr"`
	KeyPrefix     string `json:"key_prefix,omitempty"`     // default "notify"
	DrainInterval string `json:"drain_interval,omitempty"` // default "1s"
	RetryMax      int    `json:"retry_max,omitempty"`      // default 3
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SettingsConfig struct {
	CacheTTL string `json:"cache_ttl,omitempty"` // default "1m"
}

type LoggingConfig struct {
	Level   string            `json:"level,omitempty"`
	Console bool              `json:"console"`
	File    LoggingFileConfig `json:"file,omitempty"`
}

type LoggingFileConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}
