package core

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config contains all of the configuration options available to any of the
// TTTWorld server components.
type Config struct {
	// Hostname or IP address on which the server will listen for connections.
	Hostname string `mapstructure:"hostname"`
	// Port on which the server will listen.
	Port int `mapstructure:"port"`
	// Name advertised to clients during the handshake.
	ServerName string `mapstructure:"server_name"`
	// Maximum number of concurrent connections the server will allow.
	MaxConnections int `mapstructure:"max_connections"`
	// Payloads of at least this many bytes are compressed. Negative disables compression.
	CompressThreshold int `mapstructure:"compress_threshold"`
	// Whether clients may create their own accounts.
	AllowRegister bool `mapstructure:"allow_register"`
	// Full path to file to which logs will be written. Blank will write to stdout.
	LogFilePath string `mapstructure:"log_file_path"`
	// Minimum level of a log required to be written. Options: debug, info, warn, error
	LogLevel string `mapstructure:"log_level"`

	Keys struct {
		// PKCS#8 DER private key. Generated along with the public key if neither exists.
		PrivateKeyFile string `mapstructure:"private_key_file"`
		// PKIX DER public key.
		PublicKeyFile string `mapstructure:"public_key_file"`
		// Size of generated keys.
		Bits int `mapstructure:"bits"`
	} `mapstructure:"keys"`

	Scheduler struct {
		// Number of goroutines handling packets.
		Workers int `mapstructure:"workers"`
		// How often connections are checked for pending packets and liveness.
		DispatchPeriod time.Duration `mapstructure:"dispatch_period"`
		// Idle time after which a keep-alive is sent.
		KeepAliveSend time.Duration `mapstructure:"keep_alive_send"`
		// Idle time after which a connection is dropped.
		KeepAliveTimeout time.Duration `mapstructure:"keep_alive_timeout"`
	} `mapstructure:"scheduler"`

	Game struct {
		// How long a challenge may go unanswered.
		ChallengeTimeout time.Duration `mapstructure:"challenge_timeout"`
	} `mapstructure:"game"`

	Database struct {
		// Either "sqlite" or "postgres".
		Engine string `mapstructure:"engine"`
		// SQLite database file, relative to the config directory.
		Filename string `mapstructure:"filename"`
		// Hostname of the Postgres database instance.
		Host string `mapstructure:"host"`
		// Port on db_host on which the Postgres instance is accepting connections.
		Port int `mapstructure:"port"`
		// Name of the database in Postgres.
		Name string `mapstructure:"name"`
		// Username and password of a user with full RW privileges to ${db_name}.
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		// Set to verify-full if the Postgres instance supports SSL.
		SSLMode string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	Accounts struct {
		// Password given to the "admin" account created when no accounts exist.
		DefaultAdminPassword string `mapstructure:"default_admin_password"`
		// How long accounts of players who are not logged in stay cached.
		CacheTTL time.Duration `mapstructure:"cache_ttl"`
		MinPasswordLength int `mapstructure:"min_password_length"`
	} `mapstructure:"accounts"`

	Debugging struct {
		// Enable extra info-providing mechanisms for the server.
		PprofEnabled bool `mapstructure:"pprof_enabled"`
		// Port on which a pprof server will be started if debug mode is enabled.
		PprofPort int `mapstructure:"pprof_port"`
		// Log packets to stdout.
		PacketLoggingEnabled bool `mapstructure:"packet_logging_enabled"`
		// Enable database-level query logging.
		DatabaseLoggingEnabled bool `mapstructure:"database_logging_enabled"`
		// Run without encryption so that traffic can be inspected with the sniffer.
		DisableEncryption bool `mapstructure:"disable_encryption"`
	} `mapstructure:"debugging"`

	configDir string
}

const envVarPrefix = "TTTWORLD"

var defaults = map[string]interface{}{
	"hostname":                           "0.0.0.0",
	"port":                               15060,
	"server_name":                        "Aviansie Ben's Tic-Tac-Toe World",
	"max_connections":                    1000,
	"compress_threshold":                 256,
	"allow_register":                     true,
	"log_file_path":                      "",
	"log_level":                          "info",
	"keys.private_key_file":              "server.pk8",
	"keys.public_key_file":               "server.crt",
	"keys.bits":                          4096,
	"scheduler.workers":                  3,
	"scheduler.dispatch_period":          "50ms",
	"scheduler.keep_alive_send":          "20s",
	"scheduler.keep_alive_timeout":       "30s",
	"game.challenge_timeout":             "60s",
	"database.engine":                    "sqlite",
	"database.filename":                  "tttworld.db",
	"database.host":                      "localhost",
	"database.port":                      5432,
	"database.name":                      "tttworld",
	"database.username":                  "",
	"database.password":                  "",
	"database.sslmode":                   "disable",
	"accounts.default_admin_password":    "P@ssw0rd",
	"accounts.cache_ttl":                 "10m",
	"accounts.min_password_length":       8,
	"debugging.pprof_enabled":            false,
	"debugging.pprof_port":               4000,
	"debugging.packet_logging_enabled":   false,
	"debugging.database_logging_enabled": false,
	"debugging.disable_encryption":       false,
}

// LoadConfig reads config.yaml from configPath, falling back to defaults for
// any option (or the whole file) that is missing. Any option can be overridden
// with an environment variable, e.g. database.host with TTTWORLD_DATABASE_HOST.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(configPath)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(envVarPrefix)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	// This allows us to set nested yaml config options through environment
	// variables. For example, database.host can be set using: <envVarPrefix>_DATABASE_HOST
	for _, k := range v.AllKeys() {
		envVar := strings.ReplaceAll(strings.ToUpper(k), ".", "_")
		if err := v.BindEnv(k, envVarPrefix+"_"+envVar); err != nil {
			return nil, fmt.Errorf("error binding %s to %s: %w", k, envVarPrefix+"_"+envVar, err)
		}
	}

	config := &Config{configDir: configPath}
	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config object: %w", err)
	}
	return config, config.validate()
}

func (c *Config) validate() error {
	switch {
	case c.Scheduler.Workers < 1:
		return errors.New("scheduler.workers must be at least 1")
	case c.Scheduler.DispatchPeriod <= 0:
		return errors.New("scheduler.dispatch_period must be positive")
	case c.Scheduler.KeepAliveTimeout <= c.Scheduler.KeepAliveSend:
		return errors.New("scheduler.keep_alive_timeout must be longer than scheduler.keep_alive_send")
	case c.Accounts.MinPasswordLength < 1:
		return errors.New("accounts.min_password_length must be at least 1")
	}
	return nil
}

const databaseURITemplate = "host=%s port=%d dbname=%s user=%s password=%s sslmode=%s"

// DatabaseURL returns a database URL generated from the provided config values.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		databaseURITemplate,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.Username,
		c.Database.Password,
		c.Database.SSLMode,
	)
}

// DataSource returns the argument data.Open expects for the configured engine.
func (c *Config) DataSource() string {
	if c.Database.Engine == "postgres" {
		return c.DatabaseURL()
	}
	return c.QualifiedPath(c.Database.Filename)
}

// ListenAddress returns the address the server should listen on.
func (c *Config) ListenAddress() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.Port)
}

// QualifiedPath resolves relative paths against the directory containing the
// config file.
func (c *Config) QualifiedPath(path string) string {
	if path == "" || filepath.IsAbs(path) || c.configDir == "" {
		return path
	}
	return filepath.Join(c.configDir, path)
}
