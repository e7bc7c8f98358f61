package db

import (
	"fmt"
	"log"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Connect opens the remote Postgres store and runs migrations.
func Connect(dsn string) (*sqlx.DB, error) {
	return Open("postgres", dsn)
}

// Open connects with the given driver ("postgres" or "sqlite3") and runs migrations.
func Open(driverName, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	if driverName == "sqlite3" {
		// each sqlite connection to :memory: is a separate database
		db.SetMaxOpenConns(1)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

// OpenLocal opens the device-local SQLite database used for key storage.
func OpenLocal(path string) (*sqlx.DB, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open local db: %w", err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func runMigrations(db *sqlx.DB) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS profiles (
            id TEXT PRIMARY KEY,
            username TEXT NOT NULL,
            display_name TEXT,
            avatar_url TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS public_keys (
            user_id TEXT PRIMARY KEY,
            public_key TEXT NOT NULL,
            updated_at TIMESTAMPTZ NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS messages (
            id SERIAL PRIMARY KEY,
            sender_id TEXT NOT NULL,
            receiver_id TEXT NOT NULL,
            encrypted_content_sender TEXT NOT NULL,
            encrypted_key_sender TEXT NOT NULL,
            iv_sender TEXT NOT NULL,
            encrypted_content_receiver TEXT NOT NULL,
            encrypted_key_receiver TEXT NOT NULL,
            iv_receiver TEXT NOT NULL,
            status TEXT,
            message_type TEXT NOT NULL DEFAULT 'text',
            image_url TEXT,
            movie_tmdb_id BIGINT,
            movie_poster_url TEXT,
            client_ref TEXT,
            is_read BOOLEAN NOT NULL DEFAULT FALSE,
            created_at TIMESTAMPTZ NOT NULL DEFAULT now()
        );`,
		`CREATE INDEX IF NOT EXISTS messages_pair_created_idx ON messages (sender_id, receiver_id, created_at);`,
	}
	if db.DriverName() == "postgres" {
		migrations = append(migrations, postgresNotifyMigrations...)
	} else {
		for i, m := range migrations {
			m = strings.ReplaceAll(m, "SERIAL PRIMARY KEY", "INTEGER PRIMARY KEY AUTOINCREMENT")
			m = strings.ReplaceAll(m, "DEFAULT now()", "DEFAULT "+sqliteNow)
			migrations[i] = strings.ReplaceAll(m, "TIMESTAMPTZ", "TIMESTAMP")
		}
	}

	for _, m := range migrations {
		if _, err := db.Exec(m); err != nil {
			return err
		}
	}
	log.Printf("database migrations applied driver=%s", db.DriverName())
	return nil
}

// sqliteNow renders the store clock in the layout go-sqlite3 binds time.Time
// values with, so text comparisons against bound cursors keep time order.
const sqliteNow = `(strftime('%Y-%m-%d %H:%M:%f+00:00', 'now'))`

// NotifyChannel is the Postgres channel carrying message change events.
const NotifyChannel = "message_changes"

var postgresNotifyMigrations = []string{
	`ALTER TABLE messages ALTER COLUMN created_at SET DEFAULT now();`,
	`CREATE OR REPLACE FUNCTION notify_message_change() RETURNS trigger AS $$
        DECLARE
            rec RECORD;
        BEGIN
            IF TG_OP = 'DELETE' THEN
                rec := OLD;
            ELSE
                rec := NEW;
            END IF;
            PERFORM pg_notify('` + NotifyChannel + `', json_build_object(
                'op', TG_OP, 'id', rec.id, 'sender_id', rec.sender_id, 'receiver_id', rec.receiver_id)::text);
            RETURN rec;
        END;
        $$ LANGUAGE plpgsql;`,
	`DROP TRIGGER IF EXISTS messages_notify ON messages;`,
	`CREATE TRIGGER messages_notify AFTER INSERT OR UPDATE OR DELETE ON messages
        FOR EACH ROW EXECUTE FUNCTION notify_message_change();`,
}
