package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Checkpoint struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
}

type AppConfig struct {
	DBPath         string
	BackupDir      string
	AssetDir       string
	ScratchDir     string
	LogPath        string
	LogLevel       string
	RegistryCap    int
	KeepCount      int
	ExpectedTables []string
	Checkpoint     Checkpoint
	Workers        int
	SourceVersion  string
}

var DefaultTables = []string{
	"patients",
	"appointments",
	"payments",
	"treatments",
	"dental_treatments",
	"dental_treatment_images",
}

var cfg AppConfig

// Load reads path (yaml) on top of the defaults. A missing file is not an
// error; the defaults alone describe a usable layout under the user's data dir.
func Load(path string) (AppConfig, error) {
	dataDir := defaultDataDir()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CLINIC_VAULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// defaults
	v.SetDefault("engine.db_path", filepath.Join(dataDir, "dental_clinic.db"))
	v.SetDefault("engine.backup_dir", "")
	v.SetDefault("engine.asset_dir", filepath.Join(dataDir, "dental_images"))
	v.SetDefault("engine.scratch_dir", "")
	v.SetDefault("engine.log_path", "")
	v.SetDefault("engine.log_level", "info")
	v.SetDefault("engine.registry_cap", 50)
	v.SetDefault("engine.keep_count", 10)
	v.SetDefault("engine.expected_tables", DefaultTables)
	v.SetDefault("engine.checkpoint.attempts", 5)
	v.SetDefault("engine.checkpoint.delay", 100*time.Millisecond)
	v.SetDefault("engine.checkpoint.max_delay", 2*time.Second)
	v.SetDefault("engine.reconcile.workers", 4)
	v.SetDefault("engine.source_version", "4.0.0")
	if err := v.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return AppConfig{}, err
		}
	}

	cfg = AppConfig{
		DBPath:         v.GetString("engine.db_path"),
		BackupDir:      v.GetString("engine.backup_dir"),
		AssetDir:       v.GetString("engine.asset_dir"),
		ScratchDir:     v.GetString("engine.scratch_dir"),
		LogPath:        v.GetString("engine.log_path"),
		LogLevel:       v.GetString("engine.log_level"),
		RegistryCap:    v.GetInt("engine.registry_cap"),
		KeepCount:      v.GetInt("engine.keep_count"),
		ExpectedTables: v.GetStringSlice("engine.expected_tables"),
		Checkpoint: Checkpoint{
			Attempts: v.GetInt("engine.checkpoint.attempts"),
			Delay:    v.GetDuration("engine.checkpoint.delay"),
			MaxDelay: v.GetDuration("engine.checkpoint.max_delay"),
		},
		Workers:       v.GetInt("engine.reconcile.workers"),
		SourceVersion: v.GetString("engine.source_version"),
	}
	// backups and scratch space live next to the database unless told otherwise
	if cfg.BackupDir == "" {
		cfg.BackupDir = filepath.Join(filepath.Dir(cfg.DBPath), "backups")
	}
	if cfg.ScratchDir == "" {
		cfg.ScratchDir = filepath.Join(filepath.Dir(cfg.DBPath), ".restore")
	}
	if cfg.RegistryCap <= 0 {
		cfg.RegistryCap = 50
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return cfg, nil
}

func Get() AppConfig { return cfg }

// RegistryPath is the catalog file, kept beside the backup directory.
func (c AppConfig) RegistryPath() string {
	return filepath.Join(filepath.Dir(filepath.Clean(c.BackupDir)), "backup_registry.json")
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "clinic-vault")
	}
	return filepath.Join(os.TempDir(), "clinic-vault")
}
