package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	DBPath    string `yaml:"db_path" env:"TASKPACT_DB_PATH" env-default:"taskpact.db"`
	LogLevel  string `yaml:"log_level" env:"TASKPACT_LOG_LEVEL" env-default:"info"`
	LogFormat string `yaml:"log_format" env:"TASKPACT_LOG_FORMAT" env-default:"text"`
	Port      string `yaml:"port" env:"TASKPACT_PORT" env-default:"8080"`

	SweepInterval    time.Duration `yaml:"sweep_interval" env:"TASKPACT_SWEEP_INTERVAL" env-default:"1h"`
	ExpiryInterval   time.Duration `yaml:"expiry_interval" env:"TASKPACT_EXPIRY_INTERVAL" env-default:"5m"`
	ScheduleInterval time.Duration `yaml:"schedule_interval" env:"TASKPACT_SCHEDULE_INTERVAL" env-default:"15m"`

	// DefaultTimezone is used for families whose own zone cannot be loaded.
	DefaultTimezone string `yaml:"default_timezone" env:"TASKPACT_DEFAULT_TIMEZONE" env-default:"UTC"`

	VAPIDPublicKey  string `yaml:"vapid_public_key" env:"TASKPACT_VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `yaml:"vapid_private_key" env:"TASKPACT_VAPID_PRIVATE_KEY"`
	VAPIDSubject    string `yaml:"vapid_subject" env:"TASKPACT_VAPID_SUBJECT" env-default:"mailto:noreply@taskpact.app"`

	// Snapshots are taken only when a bucket, credentials and a passphrase
	// are all set.
	Backup BackupConfig `yaml:"backup"`
}

type BackupConfig struct {
	Endpoint   string        `yaml:"endpoint" env:"TASKPACT_BACKUP_ENDPOINT"`
	Bucket     string        `yaml:"bucket" env:"TASKPACT_BACKUP_BUCKET"`
	Region     string        `yaml:"region" env:"TASKPACT_BACKUP_REGION" env-default:"us-east-1"`
	AccessKey  string        `yaml:"access_key" env:"TASKPACT_BACKUP_ACCESS_KEY"`
	SecretKey  string        `yaml:"secret_key" env:"TASKPACT_BACKUP_SECRET_KEY"`
	Passphrase string        `yaml:"passphrase" env:"TASKPACT_BACKUP_PASSPHRASE"`
	Prefix     string        `yaml:"prefix" env:"TASKPACT_BACKUP_PREFIX" env-default:"taskpact/"`
	Interval   time.Duration `yaml:"interval" env:"TASKPACT_BACKUP_INTERVAL" env-default:"24h"`
	Retention  time.Duration `yaml:"retention" env:"TASKPACT_BACKUP_RETENTION" env-default:"720h"`
}

// Load reads configuration from path, with environment overrides. An empty
// path or a missing file means environment only.
func Load(path string) (Config, error) {
	var cfg Config

	if path == "" {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return Config{}, fmt.Errorf("read env: %w", err)
		}
		return cfg, cfg.validate()
	}

	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		var pe *os.PathError
		if !errors.As(err, &pe) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return Config{}, fmt.Errorf("read env: %w", err)
		}
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if _, err := time.LoadLocation(c.DefaultTimezone); err != nil {
		return fmt.Errorf("default_timezone: %w", err)
	}
	for name, d := range map[string]time.Duration{
		"sweep_interval":    c.SweepInterval,
		"expiry_interval":   c.ExpiryInterval,
		"schedule_interval": c.ScheduleInterval,
		"backup.interval":   c.Backup.Interval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

// Location returns the parsed default time zone.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.DefaultTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
