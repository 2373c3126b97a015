// Package database はデータベース接続とマイグレーション管理を提供する。
// PostgreSQLと組み込みSQLiteの両方に対応する。
package database

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationsFS embed.FS

// NewMigrator はマイグレーション実行用のmigrateインスタンスを生成する。
// 方言ごとに別ディレクトリのマイグレーションを使用する。
func NewMigrator(db *sql.DB, dialect Dialect) (*migrate.Migrate, error) {
	source, err := iofs.New(migrationsFS, "migrations/"+string(dialect))
	if err != nil {
		return nil, fmt.Errorf("failed to create migration source: %w", err)
	}

	var driver database.Driver
	switch dialect {
	case DialectPostgres:
		driver, err = postgres.WithInstance(db, &postgres.Config{})
	case DialectSQLite:
		driver, err = sqlite.WithInstance(db, &sqlite.Config{})
	default:
		return nil, fmt.Errorf("unsupported dialect: %s", dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, string(dialect), driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return m, nil
}

// RunMigrations はマイグレーション専用の接続を開き、すべての未適用マイグレーションを適用する。
// すでに最新の場合はエラーなしで返る。接続は終了時に閉じる。
func RunMigrations(databaseURL string) error {
	db, dialect, err := Open(databaseURL)
	if err != nil {
		return err
	}

	m, err := NewMigrator(db, dialect)
	if err != nil {
		db.Close()
		return err
	}
	defer func() {
		m.Close()
		db.Close()
	}()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
