// Package config binds command-line flags, LOGBOOK_* environment variables
// and an optional config file into Settings.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "LOGBOOK"

const (
	DefaultListenAddress   = ":8088"
	DefaultShutdownTimeout = 5 * time.Second
	DefaultReadTimeout     = 10 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultMaxBodyBytes    = 1 << 20
)

const (
	KeyConfig          = "config"
	KeyListenAddress   = "listen-address"
	KeyDataDir         = "data-dir"
	KeyStoreFile       = "store-file"
	KeyCompress        = "compress"
	KeyEncrypt         = "encrypt"
	KeyMasterKeyFile   = "master-key-file"
	KeyLogLevel        = "log-level"
	KeyLogFormat       = "log-format"
	KeyShutdownTimeout = "shutdown-timeout"
	KeyReadTimeout     = "read-timeout"
	KeyWriteTimeout    = "write-timeout"
	KeyMaxBodyBytes    = "max-body-bytes"
)

// BindRootFlags registers the flags shared by every subcommand.
func BindRootFlags(cmd *cobra.Command) {
	viper.AutomaticEnv()
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Serve-only keys still resolve for commands that lack their flags.
	viper.SetDefault(KeyListenAddress, DefaultListenAddress)
	viper.SetDefault(KeyShutdownTimeout, DefaultShutdownTimeout)
	viper.SetDefault(KeyReadTimeout, DefaultReadTimeout)
	viper.SetDefault(KeyWriteTimeout, DefaultWriteTimeout)
	viper.SetDefault(KeyMaxBodyBytes, DefaultMaxBodyBytes)

	fs := cmd.PersistentFlags()
	fs.String(KeyConfig, "", "Path to a YAML, TOML or JSON config file. Env: LOGBOOK_CONFIG")
	fs.String(KeyDataDir, "./data", "Directory holding the record image. Env: LOGBOOK_DATA_DIR")
	fs.String(KeyStoreFile, "records.json", "Record image file name inside the data dir. Env: LOGBOOK_STORE_FILE")
	fs.Bool(KeyCompress, false, "zstd-compress the record image. Env: LOGBOOK_COMPRESS")
	fs.Bool(KeyEncrypt, false, "Encrypt the record image at rest. Env: LOGBOOK_ENCRYPT")
	fs.String(KeyMasterKeyFile, "", "Master key file, default <data-dir>/.logbook.key. Env: LOGBOOK_MASTER_KEY_FILE")
	fs.String(KeyLogLevel, "info", "Log level (debug, info, warn, error). Env: LOGBOOK_LOG_LEVEL")
	fs.String(KeyLogFormat, "text", "Log format (text, json). Env: LOGBOOK_LOG_FORMAT")

	mustBind(fs, KeyConfig, KeyDataDir, KeyStoreFile, KeyCompress, KeyEncrypt,
		KeyMasterKeyFile, KeyLogLevel, KeyLogFormat)
}

// BindServerFlags registers the flags of the serve command.
func BindServerFlags(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.String(KeyListenAddress, DefaultListenAddress, "HTTP bind address. Env: LOGBOOK_LISTEN_ADDRESS")
	fs.Duration(KeyShutdownTimeout, DefaultShutdownTimeout, "Graceful shutdown timeout. Env: LOGBOOK_SHUTDOWN_TIMEOUT")
	fs.Duration(KeyReadTimeout, DefaultReadTimeout, "HTTP read timeout. Env: LOGBOOK_READ_TIMEOUT")
	fs.Duration(KeyWriteTimeout, DefaultWriteTimeout, "HTTP write timeout. Env: LOGBOOK_WRITE_TIMEOUT")
	fs.Int64(KeyMaxBodyBytes, DefaultMaxBodyBytes, "Largest accepted ingest body in bytes. Env: LOGBOOK_MAX_BODY_BYTES")

	mustBind(fs, KeyListenAddress, KeyShutdownTimeout, KeyReadTimeout, KeyWriteTimeout, KeyMaxBodyBytes)
}

func mustBind(fs *pflag.FlagSet, keys ...string) {
	for _, key := range keys {
		if err := viper.BindPFlag(key, fs.Lookup(key)); err != nil {
			fmt.Fprintf(os.Stderr, "Error binding %s flag: %v\n", key, err)
			os.Exit(1)
		}
	}
}

// Settings is the resolved configuration.
type Settings struct {
	ListenAddress   string
	DataDir         string
	StoreFile       string
	Compress        bool
	Encrypt         bool
	MasterKeyFile   string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	MaxBodyBytes    int64
}

// Load reads the config file, if one is named, and resolves every key with
// precedence flag > env > file > default.
func Load() (*Settings, error) {
	if path := viper.GetString(KeyConfig); path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	s := &Settings{
		ListenAddress:   viper.GetString(KeyListenAddress),
		DataDir:         viper.GetString(KeyDataDir),
		StoreFile:       viper.GetString(KeyStoreFile),
		Compress:        viper.GetBool(KeyCompress),
		Encrypt:         viper.GetBool(KeyEncrypt),
		MasterKeyFile:   viper.GetString(KeyMasterKeyFile),
		LogLevel:        viper.GetString(KeyLogLevel),
		LogFormat:       viper.GetString(KeyLogFormat),
		ShutdownTimeout: viper.GetDuration(KeyShutdownTimeout),
		ReadTimeout:     viper.GetDuration(KeyReadTimeout),
		WriteTimeout:    viper.GetDuration(KeyWriteTimeout),
		MaxBodyBytes:    viper.GetInt64(KeyMaxBodyBytes),
	}
	if s.MasterKeyFile == "" {
		s.MasterKeyFile = filepath.Join(s.DataDir, ".logbook.key")
	}
	return s, nil
}

// StorePath is the full path of the record image.
func (s *Settings) StorePath() string {
	return filepath.Join(s.DataDir, s.StoreFile)
}

// Validate reports every invalid setting at once.
func (s *Settings) Validate() error {
	var errs []error

	if s.DataDir == "" {
		errs = append(errs, errors.New("data-dir must not be empty"))
	}
	if s.StoreFile == "" || s.StoreFile != filepath.Base(s.StoreFile) {
		errs = append(errs, fmt.Errorf("store-file %q must be a plain file name", s.StoreFile))
	}
	if s.ListenAddress != "" {
		if _, _, err := net.SplitHostPort(s.ListenAddress); err != nil {
			errs = append(errs, fmt.Errorf("listen-address %q: %w", s.ListenAddress, err))
		}
	}
	switch strings.ToLower(s.LogLevel) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log-level %q must be one of debug, info, warn, error", s.LogLevel))
	}
	switch s.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log-format %q must be text or json", s.LogFormat))
	}
	if s.ShutdownTimeout < 0 || s.ReadTimeout < 0 || s.WriteTimeout < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if s.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("max-body-bytes must be positive, got %d", s.MaxBodyBytes))
	}

	return errors.Join(errs...)
}
