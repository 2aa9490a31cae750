// Package config loads pdoflow's database settings. Precedence is
// environment variables over the INI file over built-in defaults, so a
// deployment can be driven entirely by PDOFLOW_DB_* variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caarlos0/env/v10"
	"gopkg.in/ini.v1"
)

// DB holds everything needed to reach the coordinating Postgres instance.
type DB struct {
	Host     string `ini:"host" env:"PDOFLOW_DB_HOST"`
	Port     int    `ini:"port" env:"PDOFLOW_DB_PORT"`
	User     string `ini:"user" env:"PDOFLOW_DB_USER"`
	Password string `ini:"password" env:"PDOFLOW_DB_PASSWORD"`
	DBName   string `ini:"dbname" env:"PDOFLOW_DB_NAME"`
	SSLMode  string `ini:"sslmode" env:"PDOFLOW_DB_SSLMODE"`
}

// Defaults returns the config used when neither file nor environment says
// otherwise.
func Defaults() DB {
	return DB{
		Host:    "localhost",
		Port:    5432,
		User:    "postgres",
		DBName:  "pdoflow",
		SSLMode: "disable",
	}
}

// DefaultPath returns ~/.config/pdoflow/db.conf.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "pdoflow", "db.conf"), nil
}

// Check validates the loaded config before a connection is attempted.
func (c DB) Check() error {
	if c.Host == "" {
		return fmt.Errorf("database host cannot be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("database port %d out of range", c.Port)
	}
	if c.DBName == "" {
		return fmt.Errorf("database name cannot be empty")
	}
	return nil
}

// DSN renders the config as a pgx-compatible connection string.
func (c DB) DSN() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.DBName, c.SSLMode)
	if c.Password != "" {
		dsn += " password=" + c.Password
	}
	return dsn
}

// Load reads path (ignored when absent) and then applies environment
// overrides. Pass an empty path to use DefaultPath. Keys left empty in
// the file do not clear their defaults.
func Load(path string) (DB, error) {
	cfg := Defaults()

	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return cfg, err
		}
		path = p
	}

	if err := loadFile(path, &cfg); err != nil {
		return cfg, err
	}

	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse environment overrides: %w", err)
	}

	if err := cfg.Check(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *DB) error {
	f, err := ini.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// Values live in the [database] section; a sectionless file works too.
	section := f.Section("database")
	if len(section.Keys()) == 0 {
		section = f.Section("")
	}
	if err := section.MapTo(cfg); err != nil {
		return fmt.Errorf("failed to map config file %s: %w", path, err)
	}
	return nil
}
