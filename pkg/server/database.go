package server

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/luhsra/rustpad/pkg/protocol"
)

// PersistedDocument is the state a document keeps between sessions.
type PersistedDocument struct {
	ID   string
	Text string
	Meta protocol.DocumentMeta
}

// Store persists documents in SQLite.
type Store struct {
	db *sql.DB
}

// OpenStore opens or creates the document database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("server: opening database: %w", err)
	}
	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS document (
			id text not null primary key,
			text text not null,
			language text not null,
			visibility text not null,
			modified integer not null
		)`,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("server: creating tables: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database.
func (st *Store) Close() error {
	return st.db.Close()
}

// Load fetches a document, or nil if none is stored under id.
func (st *Store) Load(id string) (*PersistedDocument, error) {
	row := st.db.QueryRow(
		`SELECT text, language, visibility FROM document WHERE id = ?`, id,
	)
	doc := PersistedDocument{ID: id}
	var visibility string
	if err := row.Scan(&doc.Text, &doc.Meta.Language, &visibility); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("server: loading document: %w", err)
	}
	doc.Meta.Visibility = protocol.Visibility(visibility)
	return &doc, nil
}

// Save writes a document, replacing any previous version.
func (st *Store) Save(doc PersistedDocument) error {
	if _, err := st.db.Exec(
		`INSERT INTO document (id, text, language, visibility, modified)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   text = excluded.text,
		   language = excluded.language,
		   visibility = excluded.visibility,
		   modified = excluded.modified`,
		doc.ID, doc.Text, doc.Meta.Language, string(doc.Meta.Visibility),
		time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("server: saving document: %w", err)
	}
	return nil
}

// DeleteExpired removes documents not modified since before, returning
// how many were dropped.
func (st *Store) DeleteExpired(before time.Time) (int64, error) {
	res, err := st.db.Exec(
		`DELETE FROM document WHERE modified < ?`, before.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("server: expiring documents: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
