package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/openmined/spacesync/internal/client"
	"github.com/openmined/spacesync/internal/client/config"
	"github.com/openmined/spacesync/internal/utils"
	"github.com/openmined/spacesync/internal/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	home, _   = os.UserHomeDir()
	envPrefix = "SPACESYNC"
)

var (
	red    = color.New(color.FgHiRed, color.Bold).SprintFunc()
	green  = color.New(color.FgHiGreen).SprintFunc()
	yellow = color.New(color.FgHiYellow).SprintFunc()
	cyan   = color.New(color.FgHiCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "spacesync",
		Short:         "Synchronize document repositories with cloud and git backends",
		Version:       version.Detailed(),
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringP("config", "c", config.DefaultConfigPath, "spacesync config file")
	cmd.PersistentFlags().StringP("datadir", "d", config.DefaultDataDir, "data directory")
	cmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging on the console")

	cmd.AddCommand(
		newSyncCmd(),
		newPlanCmd(),
		newManifestCmd(),
		newResetCmd(),
		newLockCmd(),
		newDocCmd(),
		newReposCmd(),
		newVersionCmd(),
	)
	return cmd
}

// the console handler is shared by the default logger and the file logger
// attached once a command knows its data directory
var (
	consoleLevel   = new(slog.LevelVar)
	consoleHandler = tint.NewHandler(os.Stderr, &tint.Options{
		Level:      consoleLevel,
		TimeFormat: "15:04:05.000",
		NoColor:    !isatty.IsTerminal(os.Stderr.Fd()),
	})
)

func main() {
	slog.SetDefault(slog.New(consoleHandler))

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
			consoleLevel.Set(slog.LevelDebug)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, red("Error:"), err)
		stop()
		os.Exit(1)
	}
}

// loadConfig merges the config file, a .env file, SPACESYNC_* variables and
// flags, in increasing order of precedence.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if utils.FileExists(".env") {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	configPath := resolveConfigPath(cmd)
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		enoent := errors.Is(err, os.ErrNotExist)
		var notFound viper.ConfigFileNotFoundError
		if !enoent && !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config read '%s': %w", v.ConfigFileUsed(), err)
		}
	}

	// scalar keys need a default so env variables are picked up by Unmarshal
	defaults := config.Default()
	v.SetDefault("data_dir", defaults.DataDir)
	v.SetDefault("owner_id", "")
	v.SetDefault("policy", defaults.Policy)
	v.SetDefault("lock_ttl", defaults.LockTTL)
	v.SetDefault("session_timeout", defaults.SessionTimeout)
	v.SetDefault("tombstone_grace", defaults.TombstoneGrace)
	v.SetDefault("transfer.concurrency", defaults.Transfer.Concurrency)
	v.SetDefault("transfer.rate_limit", defaults.Transfer.RateLimit)

	if f := cmd.Flags().Lookup("datadir"); f != nil && f.Changed {
		v.Set("data_dir", f.Value.String())
	}
	if f := cmd.Flags().Lookup("concurrency"); f != nil && f.Changed {
		v.Set("transfer.concurrency", f.Value.String())
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	cfg.Path = configPath
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveConfigPath honours, in order, the --config flag, SPACESYNC_CONFIG_PATH
// and the first existing file of the usual locations.
func resolveConfigPath(cmd *cobra.Command) string {
	if f := cmd.Flag("config"); f != nil && f.Changed {
		return f.Value.String()
	}
	if envPath := os.Getenv(envPrefix + "_CONFIG_PATH"); envPath != "" {
		return envPath
	}
	for _, candidate := range []string{
		config.DefaultConfigPath,
		filepath.Join(home, ".config", "spacesync", "config.json"),
	} {
		if utils.FileExists(candidate) {
			return candidate
		}
	}
	return config.DefaultConfigPath
}

// openClient loads the config and opens a client for the duration of fn.
func openClient(cmd *cobra.Command, fn func(c *client.Client, cfg *config.Config) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	detach, err := attachLogFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer detach()

	c, err := client.New(cfg)
	if err != nil {
		return err
	}
	if err := c.Open(); err != nil {
		return err
	}
	defer c.Close()
	return fn(c, cfg)
}

// attachLogFile sends debug logs to the log file of dataDir in addition to the
// console until the returned func is called.
func attachLogFile(dataDir string) (func(), error) {
	path := config.LogFilePath(dataDir)
	if err := utils.EnsureParent(path); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	fileHandler := slog.NewTextHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug})
	slog.SetDefault(slog.New(utils.NewMultiLogHandler(consoleHandler, fileHandler)))
	return func() {
		slog.SetDefault(slog.New(consoleHandler))
		file.Close()
	}, nil
}

// repositoryArgs returns the repositories named on the command line, or all
// configured ones.
func repositoryArgs(c *client.Client, args []string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}
	ids := c.Repositories()
	if len(ids) == 0 {
		return nil, fmt.Errorf("no repositories configured")
	}
	return ids, nil
}
