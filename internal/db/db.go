package db

import (
	"fmt"
	"log"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Connect initializes the database connection and runs migrations.
func Connect(dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return db, nil
}

func runMigrations(db *sqlx.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS properties (
            id SERIAL PRIMARY KEY,
            tenant_id INT NOT NULL,
            landowner_id INT NOT NULL,
            created_at TIMESTAMPTZ DEFAULT NOW()
        );`,
		`CREATE TABLE IF NOT EXISTS chat_events (
            id SERIAL PRIMARY KEY,
            kind TEXT NOT NULL,
            user_id INT NOT NULL,
            username TEXT NOT NULL,
            content TEXT NOT NULL,
            property_id INT NOT NULL REFERENCES properties(id) ON DELETE CASCADE,
            ts BIGINT NOT NULL,
            is_deleted BOOLEAN DEFAULT FALSE
        );`,
		`CREATE INDEX IF NOT EXISTS idx_chat_events_property_ts
            ON chat_events (property_id, ts);`,
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	log.Println("database migrations applied")
	return nil
}
