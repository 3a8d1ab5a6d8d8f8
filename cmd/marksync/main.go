package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/openmaps/marksync/internal/config"
	"github.com/openmaps/marksync/internal/sync"
	"github.com/openmaps/marksync/internal/utils"
	"github.com/openmaps/marksync/internal/version"
)

const configFileName = "config"

var home, _ = os.UserHomeDir()

var rootCmd = &cobra.Command{
	Use:     "marksync",
	Short:   "Keep a directory of map annotations in sync with its cloud copy",
	Version: version.Detailed(),
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return loadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := configFromViper()
		if err := cfg.Validate(); err != nil {
			return err
		}

		cmd.SilenceUsage = true
		showHeader()

		mgr := sync.NewManager(cfg)
		if err := mgr.Start(cmd.Context()); err != nil {
			return err
		}
		defer slog.Info("Bye!")

		sub := mgr.Status().Subscribe()
		for {
			select {
			case <-cmd.Context().Done():
				return mgr.Stop()
			case st, ok := <-sub.C:
				if !ok {
					return nil
				}
				switch st.State {
				case sync.ErrorStateFatal:
					slog.Error("sync halted", "error", st.Err)
				case sync.ErrorStateTransient:
					slog.Warn("sync degraded", "error", st.Err)
				default:
					slog.Info("sync healthy")
				}
			case <-mgr.Reloads():
				slog.Info("local annotation set changed, reload advised")
			}
		}
	},
}

func init() {
	rootCmd.Flags().SortFlags = false
	rootCmd.Flags().StringP("datadir", "d", config.DefaultDataDir, "local annotation directory to sync")
	rootCmd.Flags().String("statedir", config.DefaultStateDir, "directory for state, logs and the download cache")
	rootCmd.Flags().String("store", config.StoreKindDir, "cloud store backend (dir or s3)")
	rootCmd.Flags().String("clouddir", "", "mounted cloud container directory (dir store)")
	rootCmd.Flags().String("bucket", "", "bucket name (s3 store)")
	rootCmd.Flags().String("region", "", "bucket region (s3 store)")
	rootCmd.Flags().String("endpoint", "", "custom endpoint URL (s3 store)")
	rootCmd.Flags().String("prefix", "", "key prefix inside the bucket (s3 store)")
	rootCmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "marksync config file")
}

func main() {
	// local overrides for development; missing file is fine
	_ = godotenv.Load()

	logFile := filepath.Join(config.DefaultStateDir, "logs", "marksync.log")
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open log file: %v\n", err)
		os.Exit(1)
	}
	defer file.Close()

	setupLogging(file)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) error {
	if cmd.Flag("config").Changed {
		configFilePath, _ := cmd.Flags().GetString("config")
		viper.SetConfigFile(configFilePath)
	} else {
		viper.AddConfigPath(filepath.Join(home, ".marksync"))
		viper.AddConfigPath(filepath.Join(home, ".config/marksync"))
		viper.SetConfigName(configFileName)
		viper.SetConfigType("json")
	}

	if err := viper.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		_, ok := err.(viper.ConfigFileNotFoundError)
		if !enoent && !ok {
			return fmt.Errorf("config read '%s': %w", viper.ConfigFileUsed(), err)
		}
	}

	viper.BindPFlag("data_dir", cmd.Flags().Lookup("datadir"))
	viper.BindPFlag("state_dir", cmd.Flags().Lookup("statedir"))
	viper.BindPFlag("store_kind", cmd.Flags().Lookup("store"))
	viper.BindPFlag("cloud_dir", cmd.Flags().Lookup("clouddir"))
	viper.BindPFlag("s3.bucket", cmd.Flags().Lookup("bucket"))
	viper.BindPFlag("s3.region", cmd.Flags().Lookup("region"))
	viper.BindPFlag("s3.endpoint", cmd.Flags().Lookup("endpoint"))
	viper.BindPFlag("s3.prefix", cmd.Flags().Lookup("prefix"))

	viper.SetEnvPrefix("MARKSYNC")
	viper.AutomaticEnv()

	return nil
}

func configFromViper() *config.Config {
	return &config.Config{
		Path:               viper.ConfigFileUsed(),
		DataDir:            viper.GetString("data_dir"),
		StateDir:           viper.GetString("state_dir"),
		StoreKind:          viper.GetString("store_kind"),
		CloudDir:           viper.GetString("cloud_dir"),
		DebounceMillis:     viper.GetInt("debounce_ms"),
		PollIntervalMillis: viper.GetInt("poll_interval_ms"),
		S3: config.S3Config{
			Bucket:    viper.GetString("s3.bucket"),
			Region:    viper.GetString("s3.region"),
			Endpoint:  viper.GetString("s3.endpoint"),
			Prefix:    viper.GetString("s3.prefix"),
			AccessKey: viper.GetString("s3.access_key"),
			SecretKey: viper.GetString("s3.secret_key"),
		},
	}
}

func setupLogging(file *os.File) {
	stdoutHandler := tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelDebug,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
		NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
	})
	fileHandler := slog.NewTextHandler(file, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	})
	slog.SetDefault(slog.New(utils.NewFanoutHandler(stdoutHandler, fileHandler)))
}

func showHeader() {
	color.New(color.FgHiCyan, color.Bold).
		Println(version.ShortWithApp())
}
