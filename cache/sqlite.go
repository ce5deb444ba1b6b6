package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/klauspost/compress/zstd"
)

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
	encoder    *zstd.Encoder
	decoder    *zstd.Decoder
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
// Response bytes are stored zstd-compressed.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return SQLiteCache{}, fmt.Errorf("create encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return SQLiteCache{}, fmt.Errorf("create decoder: %w", err)
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		decoder.Close()
		return SQLiteCache{}, err
	}
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS generations (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			generation TEXT,
			key TEXT,
			bytes BLOB,
			PRIMARY KEY (generation, key)
		)`,
		"PRAGMA journal_mode=WAL",
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			decoder.Close()
			return SQLiteCache{}, fmt.Errorf("init cache db: %w", err)
		}
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
		encoder:    encoder,
		decoder:    decoder,
	}, nil
}

func (s SQLiteCache) Close() error {
	s.decoder.Close()
	return s.db.Close()
}

func (s SQLiteCache) Generations() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM generations ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s SQLiteCache) Get(generation, key string) ([]byte, bool, error) {
	var compressed []byte
	err := s.db.QueryRow("SELECT bytes FROM entries WHERE generation = ? AND key = ?", generation, key).Scan(&compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	bytes, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, false, fmt.Errorf("decompress %s: %v: %w", key, err, ErrUnreadable)
	}
	return bytes, true, nil
}

func (s SQLiteCache) Put(generation, key string, bytes []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	var exists int
	err = tx.QueryRow("SELECT 1 FROM generations WHERE name = ?", generation).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNoGeneration
	} else if err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT OR REPLACE INTO entries (generation, key, bytes) VALUES (?, ?, ?)",
		generation, key, s.encoder.EncodeAll(bytes, nil)); err != nil {
		return err
	}
	return tx.Commit()
}

func (s SQLiteCache) PutAll(generation string, entries []CacheEntry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM entries WHERE generation = ?", generation); err != nil {
		return err
	}
	if _, err := tx.Exec("INSERT OR REPLACE INTO generations (name, created_at) VALUES (?, ?)",
		generation, time.Now().Unix()); err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := tx.Exec("INSERT OR REPLACE INTO entries (generation, key, bytes) VALUES (?, ?, ?)",
			generation, e.Key, s.encoder.EncodeAll(e.Bytes, nil)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s SQLiteCache) Keys(generation string, cb func(string)) error {
	rows, err := s.db.Query("SELECT key FROM entries WHERE generation = ? ORDER BY key", generation)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return err
		}
		cb(key)
	}
	return rows.Err()
}

func (s SQLiteCache) Purge(generation, key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM entries WHERE generation = ? AND key = ?", generation, key)
	return err
}

func (s SQLiteCache) Drop(generation string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec("DELETE FROM entries WHERE generation = ?", generation); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM generations WHERE name = ?", generation); err != nil {
		return err
	}
	return tx.Commit()
}
