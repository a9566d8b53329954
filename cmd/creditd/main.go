package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MarkoPoloResearchLab/aicredits/internal/config"
	"github.com/MarkoPoloResearchLab/aicredits/internal/scheduler"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	flagListenAddr         = "listen-addr"
	flagDatabaseURL        = "database-url"
	flagStoreDriver        = "store-driver"
	flagAllowedOrigins     = "allowed-origins"
	flagJWTSigningKey      = "jwt-signing-key"
	flagJWTIssuer          = "jwt-issuer"
	flagJWTCookieName      = "jwt-cookie-name"
	flagJobToken           = "job-token"
	flagRequestTimeout     = "request-timeout"
	flagRedisAddr          = "redis-addr"
	flagRedisPassword      = "redis-password"
	flagRedisDB            = "redis-db"
	flagExpiryInterval     = "expiry-interval"
	flagResetInterval      = "reset-interval"
	flagExpiryBatchSize    = "expiry-batch-size"
	flagResetBatchSize     = "reset-batch-size"
	flagLockTTL            = "lock-ttl"
	flagLowBalanceDebounce = "low-balance-debounce"
	flagReservationTTL     = "reservation-ttl"
	flagNodeID             = "node-id"
	flagRunJobs            = "run-jobs"
	envPrefix              = "CREDITD"
)

var configFlags = []string{
	flagListenAddr, flagDatabaseURL, flagStoreDriver, flagAllowedOrigins, flagJWTSigningKey, flagJWTIssuer,
	flagJWTCookieName, flagJobToken, flagRequestTimeout, flagRedisAddr, flagRedisPassword, flagRedisDB,
	flagExpiryInterval, flagResetInterval, flagExpiryBatchSize, flagResetBatchSize, flagLockTTL,
	flagLowBalanceDebounce, flagReservationTTL, flagNodeID,
}

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &config.Config{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "AI credit reservation and settlement ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.String(flagListenAddr, "", "HTTP listen address")
	flags.String(flagDatabaseURL, "", "postgres:// or sqlite:// database url")
	flags.String(flagStoreDriver, config.StoreDriverGORM, "store implementation (gorm or pgx)")
	flags.String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	flags.String(flagJWTSigningKey, "", "TAuth JWT signing key")
	flags.String(flagJWTIssuer, "", "expected JWT issuer")
	flags.String(flagJWTCookieName, "", "JWT cookie name")
	flags.String(flagJobToken, "", "bearer token for /internal/jobs (empty disables the routes)")
	flags.Duration(flagRequestTimeout, 0, "per-request ledger timeout (e.g. 3s)")
	flags.String(flagRedisAddr, "", "redis address for job locks and notification debounce")
	flags.String(flagRedisPassword, "", "redis password")
	flags.Int(flagRedisDB, 0, "redis database index")
	flags.Duration(flagExpiryInterval, 0, "reservation expiry sweep interval")
	flags.Duration(flagResetInterval, 0, "billing period reset sweep interval")
	flags.Int(flagExpiryBatchSize, 0, "reservations examined per expiry page")
	flags.Int(flagResetBatchSize, 0, "balances examined per reset page")
	flags.Duration(flagLockTTL, 0, "job lock lifetime")
	flags.Duration(flagLowBalanceDebounce, 0, "minimum time between low balance notifications")
	flags.Duration(flagReservationTTL, 0, "default reservation lifetime")
	flags.Int64(flagNodeID, 0, "snowflake node id for job run ids (0-1023)")

	cmd.AddCommand(
		newServeCommand(cfg),
		newJobCommand(cfg, scheduler.JobExpireReservations, "expire-reservations", "Expire overdue pending reservations once"),
		newJobCommand(cfg, scheduler.JobResetPeriods, "reset-periods", "Roll over billing periods that are due once"),
		newMigrateCommand(cfg),
	)
	return cmd
}

func newServeCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the credit ledger HTTP API",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, cfg); err != nil {
				return err
			}
			return cfg.Validate()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			runJobs, err := cmd.Flags().GetBool(flagRunJobs)
			if err != nil {
				return err
			}

			app, err := newApplication(ctx, *cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			server, err := app.httpServer()
			if err != nil {
				return err
			}
			group, groupCtx := errgroup.WithContext(ctx)
			group.Go(func() error {
				return server.Run(groupCtx)
			})
			if runJobs {
				group.Go(func() error {
					return app.runner.RunForever(groupCtx, app.jobs()...)
				})
			}
			return group.Wait()
		},
	}
	cmd.Flags().Bool(flagRunJobs, false, "also run the expiry and period reset jobs on their intervals")
	return cmd
}

func newJobCommand(cfg *config.Config, jobName string, use string, short string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, cfg); err != nil {
				return err
			}
			return cfg.ValidateWorker()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			app, err := newApplication(ctx, *cfg)
			if err != nil {
				return err
			}
			defer app.Close()

			job, err := app.job(jobName)
			if err != nil {
				return err
			}
			result, err := app.runner.RunJob(ctx, job)
			app.logger.Info("job complete",
				zap.String("job", jobName),
				zap.Int("processed", result.Processed),
				zap.Int("skipped", result.Skipped),
				zap.Int("failed", result.Failed),
			)
			return err
		},
	}
}

func newMigrateCommand(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := loadConfig(cmd, cfg); err != nil {
				return err
			}
			return cfg.ValidateWorker()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			opened, err := openStore(ctx, *cfg)
			if err != nil {
				return err
			}
			defer opened.close()
			return opened.migrate()
		},
	}
}

func loadConfig(cmd *cobra.Command, cfg *config.Config) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range configFlags {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}
	// DATABASE_URL is honoured without the prefix, as hosting platforms inject it.
	if err := v.BindEnv(flagDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return err
	}

	cfg.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	cfg.StoreDriver = strings.TrimSpace(v.GetString(flagStoreDriver))
	cfg.AllowedOrigins = config.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.SessionSigningKey = strings.TrimSpace(v.GetString(flagJWTSigningKey))
	cfg.SessionIssuer = strings.TrimSpace(v.GetString(flagJWTIssuer))
	cfg.SessionCookieName = strings.TrimSpace(v.GetString(flagJWTCookieName))
	cfg.JobToken = strings.TrimSpace(v.GetString(flagJobToken))
	cfg.RequestTimeout = v.GetDuration(flagRequestTimeout)
	cfg.RedisAddr = strings.TrimSpace(v.GetString(flagRedisAddr))
	cfg.RedisPassword = v.GetString(flagRedisPassword)
	cfg.RedisDB = v.GetInt(flagRedisDB)
	cfg.ExpiryInterval = v.GetDuration(flagExpiryInterval)
	cfg.ResetInterval = v.GetDuration(flagResetInterval)
	cfg.ExpiryBatchSize = v.GetInt(flagExpiryBatchSize)
	cfg.ResetBatchSize = v.GetInt(flagResetBatchSize)
	cfg.LockTTL = v.GetDuration(flagLockTTL)
	cfg.LowBalanceDebounce = v.GetDuration(flagLowBalanceDebounce)
	cfg.ReservationTTL = v.GetDuration(flagReservationTTL)
	cfg.NodeID = v.GetInt64(flagNodeID)
	return nil
}
