// internal/storage/timescaledb/migrate.go
package timescaledb

import (
	"context"
	"database/sql"
	"embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver for database/sql
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/YaganovValera/kis-collector/pkg/logger"
)

//go:embed migrations/*.sql
var migrations embed.FS

const migrationsDir = "migrations"

// Migrate применяет (up), откатывает последнюю (down) или печатает
// состояние (status) встроенных миграций.
func Migrate(ctx context.Context, dsn, command string, log *logger.Logger) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("timescaledb migrate: open DB: %w", err)
	}
	defer db.Close()

	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{log.Named("goose")})
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("timescaledb migrate: set dialect: %w", err)
	}

	switch command {
	case "up", "":
		err = goose.UpContext(ctx, db, migrationsDir)
	case "down":
		err = goose.DownContext(ctx, db, migrationsDir)
	case "status":
		err = goose.StatusContext(ctx, db, migrationsDir)
	default:
		return fmt.Errorf("timescaledb migrate: unknown command %q", command)
	}
	if err != nil {
		return fmt.Errorf("timescaledb migrate %s: %w", command, err)
	}
	log.Info("timescaledb: migrations done", zap.String("command", command))
	return nil
}

type gooseLogger struct{ log *logger.Logger }

func (g gooseLogger) Printf(format string, v ...interface{}) {
	g.log.Sugar().Infof(format, v...)
}

func (g gooseLogger) Fatalf(format string, v ...interface{}) {
	g.log.Sugar().Errorf(format, v...)
}
