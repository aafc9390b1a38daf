// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package journal stores transaction events in a SQLite database.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/card"
	"github.com/eclipse-keyple/keyple-card-calypso-go/calypso/transaction"
)

//go:embed migrations/*.sql
var migrations embed.FS

// timeLayout keeps recorded_at sortable as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrNotFound is returned by Get when no entry has the requested id.
var ErrNotFound = errors.New("journal: entry not found")

// Record is a stored journal entry.
type Record struct {
	ID string
	transaction.Entry
}

// Store is a transaction.Journal backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

var _ transaction.Journal = (*Store)(nil)

// Open opens or creates the journal database at path. An empty path selects
// ~/.calypso/journal.db.
func Open(path string) (*Store, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		path = filepath.Join(home, ".calypso", "journal.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	s := &Store{db: db, path: path, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return fmt.Errorf("getting current version: %w", err)
	}

	entries, err := fs.ReadDir(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".up.sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil {
			continue
		}
		if version <= current {
			continue
		}
		content, err := fs.ReadFile(migrations, "migrations/"+name)
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", name, err)
		}
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", name, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", name, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", name, err)
		}
	}
	return nil
}

// Record stores e under a new id. A zero e.Time is replaced by the current
// time.
func (s *Store) Record(ctx context.Context, e transaction.Entry) error {
	if e.Time.IsZero() {
		e.Time = s.now()
	}
	audit := make([]string, len(e.Audit))
	for i, apdu := range e.Audit {
		audit[i] = strings.ToUpper(hex.EncodeToString(apdu))
	}
	auditJSON, err := json.Marshal(audit)
	if err != nil {
		return fmt.Errorf("marshalling audit: %w", err)
	}
	var svOp sql.NullString
	if e.Kind == transaction.EntrySvOperation {
		svOp = sql.NullString{String: e.SvOperation.String(), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO entries (id, transaction_id, kind, recorded_at, card_serial, level,
			sv_operation, sv_amount, sv_balance, audit)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		uuid.NewString(), e.TransactionID, string(e.Kind),
		e.Time.UTC().Format(timeLayout),
		strings.ToUpper(hex.EncodeToString(e.CardSerial)),
		e.Level.String(), svOp, e.SvAmount, e.SvBalance, string(auditJSON),
	)
	if err != nil {
		return fmt.Errorf("inserting entry: %w", err)
	}
	return nil
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	TransactionID string
	Kind          transaction.EntryKind
	// CardSerial is the hexadecimal serial number.
	CardSerial string
	// Limit caps the number of records returned, newest first.
	Limit int
}

// List returns the entries matching f, newest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Record, error) {
	query := `SELECT id, transaction_id, kind, recorded_at, card_serial, level,
		sv_operation, sv_amount, sv_balance, audit FROM entries`
	var (
		where []string
		args  []any
	)
	if f.TransactionID != "" {
		where = append(where, "transaction_id = ?")
		args = append(args, f.TransactionID)
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.CardSerial != "" {
		where = append(where, "card_serial = ?")
		args = append(args, strings.ToUpper(f.CardSerial))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY recorded_at DESC, rowid DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying entries: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entries: %w", err)
	}
	return out, nil
}

// Get returns the entry with the given id.
func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, transaction_id, kind, recorded_at, card_serial, level,
		sv_operation, sv_amount, sv_balance, audit FROM entries WHERE id = ?`, id)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(sc scanner) (Record, error) {
	var (
		r                       Record
		kind, at, serial, level string
		svOp                    sql.NullString
		auditJSON               string
	)
	err := sc.Scan(&r.ID, &r.TransactionID, &kind, &at, &serial, &level,
		&svOp, &r.SvAmount, &r.SvBalance, &auditJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("scanning entry: %w", err)
	}

	r.Kind = transaction.EntryKind(kind)
	if r.Time, err = time.Parse(timeLayout, at); err != nil {
		return Record{}, fmt.Errorf("entry %s: parsing time: %w", r.ID, err)
	}
	if r.CardSerial, err = hex.DecodeString(serial); err != nil {
		return Record{}, fmt.Errorf("entry %s: decoding serial: %w", r.ID, err)
	}
	if r.Level, err = parseLevel(level); err != nil {
		return Record{}, fmt.Errorf("entry %s: %w", r.ID, err)
	}
	if svOp.Valid && svOp.String == card.SvDebit.String() {
		r.SvOperation = card.SvDebit
	}

	var audit []string
	if err := json.Unmarshal([]byte(auditJSON), &audit); err != nil {
		return Record{}, fmt.Errorf("entry %s: unmarshalling audit: %w", r.ID, err)
	}
	for _, a := range audit {
		b, err := hex.DecodeString(a)
		if err != nil {
			return Record{}, fmt.Errorf("entry %s: decoding audit: %w", r.ID, err)
		}
		r.Audit = append(r.Audit, b)
	}
	return r, nil
}

func parseLevel(s string) (card.WriteAccessLevel, error) {
	for _, l := range []card.WriteAccessLevel{card.LevelPersonalization, card.LevelLoad, card.LevelDebit} {
		if l.String() == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown access level %q", s)
}
