package config

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/rpattn/dashdag/internal/db"
)

// Config is the full runtime configuration of the server.
type Config struct {
	Server   ServerConfig
	Database db.Config
	Store    StoreConfig
	Executor ExecutorConfig
	Graphs   GraphsConfig
	Log      LogConfig
}

type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	RequestTimeout time.Duration
}

// StoreConfig selects the reducer-state backend: memory, postgres or sqlite.
type StoreConfig struct {
	Backend    string
	SQLitePath string
	StateFile  string
	CacheSize  int
	CacheTTL   time.Duration
	LoaderWait time.Duration
}

type ExecutorConfig struct {
	ConcurrentSiblings bool
	DefaultMode        string
}

type GraphsConfig struct {
	Dir       string
	Namespace string
}

type LogConfig struct {
	Level  string
	Format string
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:3000"},
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   60 * time.Second,
			RequestTimeout: 30 * time.Second,
		},
		Database: db.DefaultConfig(),
		Store: StoreConfig{
			Backend:    "memory",
			SQLitePath: "dashdag.db",
			CacheSize:  10000,
			CacheTTL:   30 * time.Second,
			LoaderWait: 5 * time.Millisecond,
		},
		Executor: ExecutorConfig{DefaultMode: "public"},
		Graphs:   GraphsConfig{Dir: "graphs", Namespace: "graphs"},
		Log:      LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads config.yaml from configPath, if present, and applies
// DASHDAG_* environment overrides (DASHDAG_SERVER_ADDR,
// DASHDAG_DATABASE_HOST, DASHDAG_STORE_BACKEND, ...).
func Load(configPath string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.SetEnvPrefix("DASHDAG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, cfg)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, err
		}
		slog.Info("No config.yaml found, using defaults and env vars.", "path", configPath)
	} else {
		slog.Info("Loaded config file.", "file", v.ConfigFileUsed())
	}

	cfg.Server.Addr = v.GetString("server.addr")
	cfg.Server.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	cfg.Server.ReadTimeout = v.GetDuration("server.read_timeout")
	cfg.Server.WriteTimeout = v.GetDuration("server.write_timeout")
	cfg.Server.RequestTimeout = v.GetDuration("server.request_timeout")

	cfg.Database.Host = v.GetString("database.host")
	cfg.Database.Port = v.GetInt("database.port")
	cfg.Database.User = v.GetString("database.user")
	cfg.Database.Password = v.GetString("database.password")
	cfg.Database.DBName = v.GetString("database.dbname")
	cfg.Database.SSLMode = v.GetString("database.sslmode")

	cfg.Store.Backend = strings.ToLower(v.GetString("store.backend"))
	cfg.Store.SQLitePath = v.GetString("store.sqlite_path")
	cfg.Store.StateFile = v.GetString("store.state_file")
	cfg.Store.CacheSize = v.GetInt("store.cache_size")
	cfg.Store.CacheTTL = v.GetDuration("store.cache_ttl")
	cfg.Store.LoaderWait = v.GetDuration("store.loader_wait")

	cfg.Executor.ConcurrentSiblings = v.GetBool("executor.concurrent_siblings")
	cfg.Executor.DefaultMode = v.GetString("executor.default_mode")

	cfg.Graphs.Dir = v.GetString("graphs.dir")
	cfg.Graphs.Namespace = v.GetString("graphs.namespace")

	cfg.Log.Level = v.GetString("log.level")
	cfg.Log.Format = v.GetString("log.format")

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override keys that
// are absent from the file.
func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.allowed_origins", cfg.Server.AllowedOrigins)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("server.request_timeout", cfg.Server.RequestTimeout)

	v.SetDefault("database.host", cfg.Database.Host)
	v.SetDefault("database.port", cfg.Database.Port)
	v.SetDefault("database.user", cfg.Database.User)
	v.SetDefault("database.password", cfg.Database.Password)
	v.SetDefault("database.dbname", cfg.Database.DBName)
	v.SetDefault("database.sslmode", cfg.Database.SSLMode)

	v.SetDefault("store.backend", cfg.Store.Backend)
	v.SetDefault("store.sqlite_path", cfg.Store.SQLitePath)
	v.SetDefault("store.state_file", cfg.Store.StateFile)
	v.SetDefault("store.cache_size", cfg.Store.CacheSize)
	v.SetDefault("store.cache_ttl", cfg.Store.CacheTTL)
	v.SetDefault("store.loader_wait", cfg.Store.LoaderWait)

	v.SetDefault("executor.concurrent_siblings", cfg.Executor.ConcurrentSiblings)
	v.SetDefault("executor.default_mode", cfg.Executor.DefaultMode)

	v.SetDefault("graphs.dir", cfg.Graphs.Dir)
	v.SetDefault("graphs.namespace", cfg.Graphs.Namespace)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
}
