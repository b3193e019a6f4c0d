package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Oracle   OracleConfig   `json:"oracle"`
	Ledger   LedgerConfig   `json:"ledger"`
	Stats    StatsConfig    `json:"stats"`
	Logging  LoggingConfig  `json:"logging"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	User           string        `json:"user"`
	Password       string        `json:"password"`
	DBName         string        `json:"db_name"`
	SSLMode        string        `json:"ssl_mode"`
	MaxConnections int           `json:"max_connections"`
	MaxIdleConns   int           `json:"max_idle_conns"`
	MaxLifetime    time.Duration `json:"max_lifetime"`
}

// OracleConfig represents chain gateway configuration
type OracleConfig struct {
	BaseURL             string        `json:"base_url"`
	RequestTimeout      time.Duration `json:"request_timeout"`
	ConfirmationTimeout time.Duration `json:"confirmation_timeout"`
	PollInterval        time.Duration `json:"poll_interval"`
	ContractAddress     string        `json:"contract_address"`
}

// LedgerConfig represents issuance and transfer policy
type LedgerConfig struct {
	CarbonFactor        float64 `json:"carbon_factor"`
	ConfidenceThreshold int     `json:"confidence_threshold"`
	MintConfidence      int     `json:"mint_confidence"`
	MaxApplyAttempts    int     `json:"max_apply_attempts"`
}

// StatsConfig represents the reconciliation job configuration
type StatsConfig struct {
	ReconcileSchedule string `json:"reconcile_schedule"` // cron expression
}

// LoggingConfig
type LoggingConfig struct {
	Level string `json:"level"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	// Default config
	config := &Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			User:    os.Getenv("USER"),
			DBName:  "carbon_ledger",
			SSLMode: "disable",
		},
		Oracle: OracleConfig{
			BaseURL:             "http://localhost:9090",
			RequestTimeout:      30 * time.Second,
			ConfirmationTimeout: 5 * time.Minute,
			PollInterval:        10 * time.Second,
		},
		Ledger: LedgerConfig{
			CarbonFactor:        0.4,
			ConfidenceThreshold: 80,
			MintConfidence:      100,
			MaxApplyAttempts:    3,
		},
	}

	// Load from file if exists
	if configPath != "" {
		if data, err := os.ReadFile(configPath); err == nil {
			if err := json.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables
	overrideWithEnv(config)

	return config, nil
}

func overrideWithEnv(config *Config) {
	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if dbHost := os.Getenv("DATABASE_HOST"); dbHost != "" {
		config.Database.Host = dbHost
	}
	if dbUser := os.Getenv("DATABASE_USER"); dbUser != "" {
		config.Database.User = dbUser
	}
	if dbPass := os.Getenv("DATABASE_PASSWORD"); dbPass != "" {
		config.Database.Password = dbPass
	}
	if dbName := os.Getenv("DATABASE_DBNAME"); dbName != "" {
		config.Database.DBName = dbName
	}
	if oracleURL := os.Getenv("ORACLE_BASE_URL"); oracleURL != "" {
		config.Oracle.BaseURL = oracleURL
	}
	if contract := os.Getenv("ORACLE_CONTRACT_ADDRESS"); contract != "" {
		config.Oracle.ContractAddress = contract
	}
}

// GetDatabaseURL returns the database connection string
func (c *DatabaseConfig) GetDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
