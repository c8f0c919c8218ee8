package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/YaganovValera/kis-collector/internal/app"
	"github.com/YaganovValera/kis-collector/internal/config"
	"github.com/YaganovValera/kis-collector/internal/kis"
	"github.com/YaganovValera/kis-collector/internal/storage/timescaledb"
	"github.com/YaganovValera/kis-collector/pkg/logger"
)

const dateLayout = "20060102"

// env — общие для всех команд конфиг и логгер.
type env struct {
	cfg *config.Config
	log *logger.Logger
}

func main() {
	// .env не обязателен: учётные данные могут прийти из окружения
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath  string
		printConfig bool
		e           env
	)

	root := &cobra.Command{
		Use:           "kis-collector",
		Short:         "KIS market data collector",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("config error: %w", err)
			}
			if printConfig {
				fmt.Fprintln(cmd.ErrOrStderr(), cfg.Print())
			}
			log, err := logger.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("logger init error: %w", err)
			}
			e = env{cfg: cfg, log: log}
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if e.log != nil {
				e.log.Sync()
			}
		},
	}
	addGlobalFlags(root.PersistentFlags(), &configPath, &printConfig)

	run := newRunCmd(&e)
	root.AddCommand(run, newDailyCmd(&e), newMinuteCmd(&e), newMigrateCmd(&e))
	// без подкоманды запускается сервис
	root.RunE = run.RunE
	return root
}

func addGlobalFlags(fs *pflag.FlagSet, configPath *string, printConfig *bool) {
	fs.StringVarP(configPath, "config", "c", os.Getenv("COLLECTOR_CONFIG"), "path to config file (yaml); empty → env and defaults only")
	fs.BoolVar(printConfig, "print-config", false, "print effective config (secrets masked) to stderr")
}

// signalContext отменяется по SIGINT/SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newRunCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Stream realtime executions and order books into storage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			e.log.Sugar().Infow("starting service",
				"service.name", e.cfg.ServiceName,
				"service.version", e.cfg.ServiceVersion,
			)
			if err := app.Run(ctx, e.cfg, e.log); err != nil {
				e.log.Sugar().Errorw("application exited with error", "error", err)
				return err
			}
			e.log.Sugar().Infow("shutdown complete")
			return nil
		},
	}
}

func newDailyCmd(e *env) *cobra.Command {
	var (
		code, from, to string
		adjusted       bool
	)
	cmd := &cobra.Command{
		Use:   "daily",
		Short: "Fetch daily prices for one instrument",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := dailyRequest(code, from, to, adjusted)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return app.Daily(ctx, e.cfg, e.log, req, cmd.OutOrStdout())
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&code, "code", "", "stock code, e.g. 005930")
	fs.StringVar(&from, "from", "", "first date, yyyyMMdd")
	fs.StringVar(&to, "to", "", "last date, yyyyMMdd")
	fs.BoolVar(&adjusted, "adjusted", true, "prices adjusted for corporate actions")
	_ = cmd.MarkFlagRequired("code")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func dailyRequest(code, from, to string, adjusted bool) (kis.DailyRequest, error) {
	f, err := time.Parse(dateLayout, from)
	if err != nil {
		return kis.DailyRequest{}, fmt.Errorf("--from: %w", err)
	}
	t, err := time.Parse(dateLayout, to)
	if err != nil {
		return kis.DailyRequest{}, fmt.Errorf("--to: %w", err)
	}
	if t.Before(f) {
		return kis.DailyRequest{}, fmt.Errorf("--to %s is before --from %s", to, from)
	}
	return kis.DailyRequest{StockCode: code, From: f, To: t, Adjusted: adjusted}, nil
}

func newMinuteCmd(e *env) *cobra.Command {
	var (
		code, at  string
		past      bool
		fakeTicks bool
	)
	cmd := &cobra.Command{
		Use:   "minute",
		Short: "Fetch minute bars of one trading day up to --at",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ts, err := time.Parse("20060102150405", at)
			if err != nil {
				return fmt.Errorf("--at: %w", err)
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return app.Minute(ctx, e.cfg, e.log, kis.MinuteRequest{
				StockCode:       code,
				At:              ts,
				IncludePast:     past,
				IncludeFakeTick: fakeTicks,
			}, cmd.OutOrStdout())
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&code, "code", "", "stock code, e.g. 005930")
	fs.StringVar(&at, "at", "", "date and time, yyyyMMddHHmmss")
	fs.BoolVar(&past, "past", false, "include previous days")
	fs.BoolVar(&fakeTicks, "fake-ticks", false, "include synthetic ticks")
	_ = cmd.MarkFlagRequired("code")
	_ = cmd.MarkFlagRequired("at")
	return cmd
}

func newMigrateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate [up|down|status]",
		Short:     "Apply TimescaleDB migrations",
		Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"up", "down", "status"},
		RunE: func(cmd *cobra.Command, args []string) error {
			command := "up"
			if len(args) == 1 {
				command = args[0]
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return timescaledb.Migrate(ctx, e.cfg.Storage.Timescale.DSN, command, e.log)
		},
	}
}
