// Package db открывает подключение database/sql для sqlx и миграций.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Dhoini/channel-subscriptions/pkg/logger"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
)

// DBClient представляет клиент для работы с базой данных через sqlx
type DBClient struct {
	db  *sqlx.DB
	log *logger.Logger
}

// NewDBClient создает новый экземпляр DBClient
func NewDBClient(ctx context.Context, dsn string, log *logger.Logger) (*DBClient, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		log.Errorw("Failed to open database", "error", err)
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		log.Errorw("Failed to ping database", "error", err)
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DBClient{db: db, log: log}, nil
}

// DB возвращает подключение sqlx
func (dc *DBClient) DB() *sqlx.DB {
	return dc.db
}

// Close закрывает соединение с базой данных
func (dc *DBClient) Close() error {
	if err := dc.db.Close(); err != nil {
		dc.log.Errorw("Failed to close database connection", "error", err)
		return fmt.Errorf("failed to close database connection: %w", err)
	}
	return nil
}

// Migrate применяет SQL миграции из каталога. Отсутствие изменений не ошибка.
func (dc *DBClient) Migrate(migrationsPath string) error {
	m, err := dc.migrator(migrationsPath)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("failed to read migration version: %w", err)
	}
	dc.log.Infow("Database migrations applied", "version", version, "dirty", dirty)
	return nil
}

// Rollback откатывает последние steps миграций
func (dc *DBClient) Rollback(migrationsPath string, steps int) error {
	m, err := dc.migrator(migrationsPath)
	if err != nil {
		return err
	}
	if err := m.Steps(-steps); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to roll back migrations: %w", err)
	}
	dc.log.Infow("Database migrations rolled back", "steps", steps)
	return nil
}

func (dc *DBClient) migrator(migrationsPath string) (*migrate.Migrate, error) {
	driver, err := postgres.WithInstance(dc.db.DB, &postgres.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+migrationsPath, "postgres", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migration instance: %w", err)
	}
	return m, nil
}
