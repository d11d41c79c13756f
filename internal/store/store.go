// Copyright 2025 Boreline Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package store owns the on-device SQLite database: schema migrations,
// row types, and the query surface the pipeline components build on.
// Writers and readers share one connection pool in WAL mode so the
// ingestion path never blocks alignment or sync reads.
package store

import (
	"context"
	"embed"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// DB wraps the shared connection pool together with the repositories
// built on it.
type DB struct {
	*sqlx.DB

	Rings       *RingStore
	Telemetry   *TelemetryStore
	Predictions *PredictionStore
	Models      *ModelStore
	Metrics     *MetricStore
	Warnings    *WarningStore
	Buffer      *BufferStore
}

// Open opens (creating if necessary) the SQLite database at path and
// applies any pending schema migrations.
func Open(ctx context.Context, path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}
	db, err := sqlx.ConnectContext(ctx, "sqlite", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("opening database %q: %w", path, err)
	}
	// modernc's driver serializes writes per connection; a single
	// connection avoids SQLITE_BUSY between the pool's writers.
	db.SetMaxOpenConns(1)
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database %q: %w", path, err)
	}
	return &DB{
		DB:          db,
		Rings:       &RingStore{db: db},
		Telemetry:   &TelemetryStore{db: db},
		Predictions: &PredictionStore{db: db},
		Models:      &ModelStore{db: db},
		Metrics:     &MetricStore{db: db},
		Warnings:    &WarningStore{db: db},
		Buffer:      &BufferStore{db: db},
	}, nil
}

func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "synchronous(NORMAL)")
	return "file:" + path + "?" + q.Encode()
}

func migrate(db *sqlx.DB) error {
	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db.DB, "migrations")
}
