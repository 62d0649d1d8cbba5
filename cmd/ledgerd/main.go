package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/coinledger/internal/ledgerd"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	flagConfig                = "config"
	flagLogLevel              = "log-level"
	flagTarget                = "target"
	flagUsername              = "username"
	flagPassword              = "password"
	flagProperties            = "properties"
	flagMaxPoolSize           = "max-pool-size"
	flagMinimumIdle           = "minimum-idle"
	flagMaxLifetime           = "max-lifetime-ms"
	flagConnectionTimeout     = "connection-timeout-ms"
	flagIdleTimeout           = "idle-timeout-ms"
	flagInitSQL               = "init-sql"
	flagListenAddr            = "listen-addr"
	flagAllowedOrigins        = "allowed-origins"
	flagRequestTimeout        = "request-timeout"
	flagDestinationTarget     = "destination-target"
	flagDestinationUsername   = "destination-username"
	flagDestinationPassword   = "destination-password"
	flagDestinationProperties = "destination-properties"
	envPrefix                 = "LEDGERD"
	logLevelDebug             = "debug"
)

var (
	storageFlags     = []string{flagLogLevel, flagTarget, flagUsername, flagPassword, flagProperties, flagMaxPoolSize, flagMinimumIdle, flagMaxLifetime, flagConnectionTimeout, flagIdleTimeout, flagInitSQL}
	serveFlags       = []string{flagListenAddr, flagAllowedOrigins, flagRequestTimeout}
	destinationFlags = []string{flagDestinationTarget, flagDestinationUsername, flagDestinationPassword, flagDestinationProperties}
)

func main() {
	gin.SetMode(gin.ReleaseMode)
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "ledgerd",
		Short:         "Account ledger storage daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.String(flagConfig, "", "optional config file (yaml, json or toml)")
	flags.String(flagLogLevel, "info", "log level: info or debug")
	flags.String(flagTarget, "", "connection target, e.g. sqlite:coinledger.db, postgres://..., mysql://...")
	flags.String(flagUsername, "", "database user, overrides the target's credentials")
	flags.String(flagPassword, "", "database password, overrides the target's credentials")
	flags.String(flagProperties, "", "comma-separated key=value backend properties")
	flags.Int(flagMaxPoolSize, -1, "maximum pooled connections (-1 keeps the backend default)")
	flags.Int(flagMinimumIdle, -1, "minimum idle connections (-1 keeps the backend default)")
	flags.Int64(flagMaxLifetime, -1, "maximum connection lifetime in milliseconds (-1 keeps the backend default)")
	flags.Int64(flagConnectionTimeout, -1, "connection acquisition timeout in milliseconds (-1 keeps the backend default)")
	flags.Int64(flagIdleTimeout, -1, "idle connection timeout in milliseconds (-1 keeps the backend default)")
	flags.String(flagInitSQL, "", "SQL run when a session is opened")

	cmd.AddCommand(newServeCommand(), newMigrateCommand(), newConvertCommand())
	return cmd
}

func newServeCommand() *cobra.Command {
	cfg := ledgerd.DefaultConfig()
	var logger *zap.Logger
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the ledger HTTP API",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := loadViper(cmd, append(storageFlags, serveFlags...))
			if err != nil {
				return err
			}
			if err := readStorageConfig(v, &cfg); err != nil {
				return err
			}
			cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
			cfg.AllowedOrigins = ledgerd.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
			cfg.RequestTimeout = v.GetDuration(flagRequestTimeout)
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err = newLogger(v.GetString(flagLogLevel))
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			defer func() { _ = logger.Sync() }()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return ledgerd.Serve(ctx, cfg, logger)
		},
	}
	cmd.Flags().String(flagListenAddr, "", "HTTP listen address (default :8080)")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().Duration(flagRequestTimeout, 0, "per-request ledger timeout (default 3s)")
	return cmd
}

func newMigrateCommand() *cobra.Command {
	cfg := ledgerd.DefaultConfig()
	var logger *zap.Logger
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the ledger schema",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := loadViper(cmd, storageFlags)
			if err != nil {
				return err
			}
			if err := readStorageConfig(v, &cfg); err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger, err = newLogger(v.GetString(flagLogLevel))
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			defer func() { _ = logger.Sync() }()
			return ledgerd.Migrate(cmd.Context(), cfg, logger)
		},
	}
	return cmd
}

func newConvertCommand() *cobra.Command {
	source := ledgerd.DefaultConfig()
	destination := ledgerd.DefaultConfig()
	var logger *zap.Logger
	cmd := &cobra.Command{
		Use:   "convert",
		Short: "Replace the destination ledger with a copy of the source ledger",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			v, err := loadViper(cmd, append(storageFlags, destinationFlags...))
			if err != nil {
				return err
			}
			if err := readStorageConfig(v, &source); err != nil {
				return err
			}
			if !v.IsSet(flagDestinationTarget) {
				return fmt.Errorf("%s is required", flagDestinationTarget)
			}
			destination.Pool = source.Pool
			destination.Target = strings.TrimSpace(v.GetString(flagDestinationTarget))
			destination.Username = v.GetString(flagDestinationUsername)
			destination.Password = v.GetString(flagDestinationPassword)
			if destination.Properties, err = ledgerd.ParseProperties(v.GetString(flagDestinationProperties)); err != nil {
				return err
			}
			if err := source.Validate(); err != nil {
				return err
			}
			if err := destination.Validate(); err != nil {
				return err
			}
			logger, err = newLogger(v.GetString(flagLogLevel))
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			defer func() { _ = logger.Sync() }()
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			_, err := ledgerd.Convert(ctx, source, destination, logger)
			return err
		},
	}
	cmd.Flags().String(flagDestinationTarget, "", "connection target receiving the copy (required)")
	cmd.Flags().String(flagDestinationUsername, "", "destination database user")
	cmd.Flags().String(flagDestinationPassword, "", "destination database password")
	cmd.Flags().String(flagDestinationProperties, "", "comma-separated key=value destination backend properties")
	return cmd
}

// loadViper binds the named flags to LEDGERD_* environment variables and the optional config file.
func loadViper(cmd *cobra.Command, flagNames []string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range flagNames {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return nil, err
		}
	}
	if configFile, _ := cmd.Flags().GetString(flagConfig); strings.TrimSpace(configFile) != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}
	return v, nil
}

func readStorageConfig(v *viper.Viper, cfg *ledgerd.Config) error {
	properties, err := ledgerd.ParseProperties(v.GetString(flagProperties))
	if err != nil {
		return err
	}
	cfg.Target = strings.TrimSpace(v.GetString(flagTarget))
	cfg.Username = v.GetString(flagUsername)
	cfg.Password = v.GetString(flagPassword)
	cfg.Properties = properties
	cfg.Pool.MaxPoolSize = v.GetInt(flagMaxPoolSize)
	cfg.Pool.MinimumIdle = v.GetInt(flagMinimumIdle)
	cfg.Pool.MaxLifetimeMillis = v.GetInt64(flagMaxLifetime)
	cfg.Pool.ConnectionTimeoutMillis = v.GetInt64(flagConnectionTimeout)
	cfg.Pool.IdleTimeoutMillis = v.GetInt64(flagIdleTimeout)
	cfg.Pool.InitSQL = v.GetString(flagInitSQL)
	return nil
}

func newLogger(level string) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if strings.EqualFold(strings.TrimSpace(level), logLevelDebug) {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	return logger, nil
}
