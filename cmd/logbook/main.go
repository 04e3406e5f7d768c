// Command logbook runs the log ingestion and query server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/coffersTech/logbook/internal/config"
	"github.com/coffersTech/logbook/internal/logging"
	"github.com/coffersTech/logbook/internal/metrics"
	"github.com/coffersTech/logbook/internal/pkg/security"
	"github.com/coffersTech/logbook/internal/server"
	"github.com/coffersTech/logbook/internal/service"
	"github.com/coffersTech/logbook/internal/storage"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "logbook",
		Short:        "logbook stores structured log records and answers filtered queries",
		SilenceUsage: true,
	}
	config.BindRootFlags(rootCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP ingest and query server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), settings)
		},
	}
	config.BindServerFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)

	checkCmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and open the record image",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := loadSettings()
			if err != nil {
				return err
			}
			store, err := openStore(afero.NewOsFs(), settings, nil)
			if err != nil {
				return err
			}
			coll, err := store.Load()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s: %d records\n", store.Path(), len(coll))
			return err
		},
	}
	rootCmd.AddCommand(checkCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of logbook",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "logbook version %s\n", Version)
			return err
		},
	}
	rootCmd.AddCommand(versionCmd)

	return rootCmd
}

func loadSettings() (*config.Settings, error) {
	settings, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := logging.ParseLevel(settings.LogLevel)
	if err != nil {
		return nil, err
	}
	logging.Init(level, os.Stderr, settings.LogFormat)
	return settings, nil
}

// openStore wires compression, encryption and metric hooks into the record
// store. m may be nil.
func openStore(fs afero.Fs, settings *config.Settings, m *metrics.Metrics) (*storage.FileStore, error) {
	log := logging.GetLogger()
	opts := []storage.Option{
		storage.WithLogger(log),
		storage.WithCorruptionHook(m.CorruptionRecovered),
		storage.WithSaveHook(m.ObserveSave),
	}
	if settings.Compress {
		opts = append(opts, storage.WithCompression())
	}

	if settings.Encrypt {
		if err := fs.MkdirAll(filepath.Dir(settings.MasterKeyFile), 0755); err != nil {
			return nil, fmt.Errorf("failed to create key dir: %w", err)
		}
		key, generated, err := security.LoadMasterKey(fs, settings.MasterKeyFile)
		if err != nil {
			return nil, err
		}
		if generated {
			log.Warn("generated a new master key; back it up, records cannot be read without it", "path", settings.MasterKeyFile)
		}
		c, err := security.NewCipher(key, "record-image")
		if err != nil {
			return nil, err
		}
		opts = append(opts, storage.WithCipher(c))
	}

	return storage.Open(fs, settings.StorePath(), opts...)
}

func serve(ctx context.Context, settings *config.Settings) error {
	log := logging.GetLogger()
	log.Info("logbook starting", "version", Version, "data_dir", settings.DataDir)

	m := metrics.New()
	store, err := openStore(afero.NewOsFs(), settings, m)
	if err != nil {
		return err
	}

	// Create or repair the image before taking traffic.
	coll, err := store.Load()
	if err != nil {
		return fmt.Errorf("failed to load record image: %w", err)
	}
	m.SetStored(len(coll))
	log.Info("record store ready", "path", store.Path(), "records", len(coll),
		"compress", settings.Compress, "encrypt", settings.Encrypt)

	svc := service.New(store, service.WithMetrics(m), service.WithLogger(log))
	srv := server.NewIngestServer(svc, server.Options{
		MaxBodyBytes: settings.MaxBodyBytes,
		ReadTimeout:  settings.ReadTimeout,
		WriteTimeout: settings.WriteTimeout,
		Metrics:      m.Handler(),
		Logger:       log,
	})

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", "addr", settings.ListenAddress)
		errCh <- srv.Start(settings.ListenAddress)
	}()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server stopped: %w", err)
		}
		return nil
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), settings.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", "error", err)
		return err
	}

	log.Info("logbook exited gracefully")
	return nil
}
