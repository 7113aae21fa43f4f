package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteDB struct {
	db *sql.DB
}

func InitSQLite(path string) (*SQLiteDB, error) {
	dbpath := filepath.Join(path, "wallet.sqlite.db")
	db, err := sql.Open("sqlite3", dbpath)
	if err != nil {
		return nil, err
	}

	source, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, err
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, fmt.Sprintf("sqlite3://%s", dbpath))
	if err != nil {
		return nil, err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return nil, err
	}
	m.Close()

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return &SQLiteDB{db: db}, nil
}

func (sqlite *SQLiteDB) Get(slot string) ([]byte, error) {
	var value []byte
	row := sqlite.db.QueryRow("SELECT value FROM slots WHERE slot = ?", slot)
	if err := row.Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return value, nil
}

func (sqlite *SQLiteDB) Put(slot string, value []byte) error {
	_, err := sqlite.db.Exec(`
	INSERT INTO slots (slot, value) VALUES (?, ?)
	ON CONFLICT(slot) DO UPDATE SET value = excluded.value
	`, slot, value)
	return err
}

func (sqlite *SQLiteDB) Delete(slot string) error {
	_, err := sqlite.db.Exec("DELETE FROM slots WHERE slot = ?", slot)
	return err
}

func (sqlite *SQLiteDB) Close() error {
	return sqlite.db.Close()
}
