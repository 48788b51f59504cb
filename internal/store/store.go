// Package store persists settled sessions, transactions, product events and
// cart audit records in SQLite.
package store

import (
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/visionkarts/checkout/internal/cart"
	"github.com/visionkarts/checkout/internal/correlate"
	"github.com/visionkarts/checkout/internal/security"
	"github.com/visionkarts/checkout/internal/session"
)

type DB struct {
	*sql.DB
	path string
}

// timeLayout is RFC 3339 UTC with a fixed-width fraction, so the stored
// text sorts chronologically and SQLite's date functions can parse it. The
// driver's default time.Time binding is neither.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func encodeTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func decodeTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt timestamp %q: %w", s, err)
	}
	return t, nil
}

// OpenDB opens the database without touching the schema. Used by the
// migrate CLI, which manages the schema itself.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	return &DB{db, path}, nil
}

// NewDB opens the database and ensures the baseline schema exists.
func NewDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id                TEXT PRIMARY KEY,
			customer_id       TEXT NOT NULL,
			state             TEXT NOT NULL,
			started_at        TIMESTAMP NOT NULL,
			last_activity     TIMESTAMP NOT NULL,
			ended_at          TIMESTAMP,
			transaction_id    TEXT
		);
		CREATE TABLE IF NOT EXISTS transactions (
			id                TEXT PRIMARY KEY,
			session_id        TEXT NOT NULL,
			customer_id       TEXT NOT NULL,
			lines             TEXT NOT NULL,
			total_cent        BIGINT NOT NULL,
			created_at        TIMESTAMP NOT NULL
		);
		CREATE TABLE IF NOT EXISTS product_events (
			event_id          TEXT PRIMARY KEY,
			customer_id       TEXT NOT NULL,
			label             TEXT NOT NULL,
			kind              TEXT NOT NULL,
			confidence        DOUBLE NOT NULL,
			camera_id         TEXT,
			committed_at      TIMESTAMP NOT NULL,
			verification      TEXT
		);
		CREATE TABLE IF NOT EXISTS cart_audit (
			at                TIMESTAMP NOT NULL,
			customer_id       TEXT NOT NULL,
			event_id          TEXT NOT NULL,
			label             TEXT NOT NULL,
			kind              TEXT NOT NULL,
			note              TEXT
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db, path}, nil
}

// SaveTransaction persists a settled transaction. Inserting the same
// transaction ID again is a no-op, so finalization retries stay
// exactly-once at the persistence layer too.
func (db *DB) SaveTransaction(ctx context.Context, txn session.Transaction) error {
	lines, err := json.Marshal(txn.Lines)
	if err != nil {
		return fmt.Errorf("failed to encode transaction lines: %w", err)
	}

	_, err = db.ExecContext(ctx,
		`INSERT OR IGNORE INTO transactions (id, session_id, customer_id, lines, total_cent, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		txn.ID, txn.SessionID, txn.CustomerID, string(lines), txn.TotalCent, encodeTime(txn.CreatedAt),
	)
	return err
}

// Transactions returns the most recent transactions, newest first.
func (db *DB) Transactions(ctx context.Context, limit int) ([]session.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, session_id, customer_id, lines, total_cent, created_at
		 FROM transactions ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []session.Transaction
	for rows.Next() {
		var txn session.Transaction
		var lines, createdAt string
		if err := rows.Scan(&txn.ID, &txn.SessionID, &txn.CustomerID, &lines, &txn.TotalCent, &createdAt); err != nil {
			return nil, err
		}
		if txn.CreatedAt, err = decodeTime(createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(lines), &txn.Lines); err != nil {
			return nil, fmt.Errorf("corrupt transaction lines for %s: %w", txn.ID, err)
		}
		txns = append(txns, txn)
	}
	return txns, rows.Err()
}

// SaveSession upserts the session row so the table reflects the latest
// lifecycle state.
func (db *DB) SaveSession(ctx context.Context, s session.Session) error {
	var endedAt any
	if !s.EndedAt.IsZero() {
		endedAt = encodeTime(s.EndedAt)
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO sessions (id, customer_id, state, started_at, last_activity, ended_at, transaction_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			last_activity = excluded.last_activity,
			ended_at = excluded.ended_at,
			transaction_id = excluded.transaction_id`,
		s.ID, s.CustomerID, string(s.State), encodeTime(s.StartedAt), encodeTime(s.LastActivity), endedAt, s.TransactionID,
	)
	return err
}

// Sessions returns the most recently started sessions, newest first.
func (db *DB) Sessions(ctx context.Context, limit int) ([]session.Session, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.QueryContext(ctx,
		`SELECT id, customer_id, state, started_at, last_activity, ended_at, transaction_id
		 FROM sessions ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []session.Session
	for rows.Next() {
		var s session.Session
		var state, startedAt, lastActivity string
		var endedAt, txnID sql.NullString
		if err := rows.Scan(&s.ID, &s.CustomerID, &state, &startedAt, &lastActivity, &endedAt, &txnID); err != nil {
			return nil, err
		}
		s.State = session.State(state)
		if s.StartedAt, err = decodeTime(startedAt); err != nil {
			return nil, err
		}
		if s.LastActivity, err = decodeTime(lastActivity); err != nil {
			return nil, err
		}
		if endedAt.Valid {
			if s.EndedAt, err = decodeTime(endedAt.String); err != nil {
				return nil, err
			}
		}
		s.TransactionID = txnID.String
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// SaveProductEvent persists a committed product event. Replayed event IDs
// are ignored.
func (db *DB) SaveProductEvent(ctx context.Context, ev correlate.ProductEvent) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO product_events
			(event_id, customer_id, label, kind, confidence, camera_id, committed_at, verification)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, ev.CustomerID, ev.Label, string(ev.Kind), ev.Confidence,
		ev.CameraID, encodeTime(ev.CommittedAt), string(ev.Verification),
	)
	return err
}

// ProductEvents returns events for one customer in commit order, or for
// all customers when customerID is empty.
func (db *DB) ProductEvents(ctx context.Context, customerID string, limit int) ([]correlate.ProductEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	query := `SELECT event_id, customer_id, label, kind, confidence, camera_id, committed_at, verification
		FROM product_events`
	args := []any{}
	if customerID != "" {
		query += ` WHERE customer_id = ?`
		args = append(args, customerID)
	}
	query += ` ORDER BY committed_at ASC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []correlate.ProductEvent
	for rows.Next() {
		var ev correlate.ProductEvent
		var kind, verification, committedAt string
		var cameraID sql.NullString
		if err := rows.Scan(&ev.EventID, &ev.CustomerID, &ev.Label, &kind, &ev.Confidence,
			&cameraID, &committedAt, &verification); err != nil {
			return nil, err
		}
		if ev.CommittedAt, err = decodeTime(committedAt); err != nil {
			return nil, err
		}
		ev.Kind = correlate.EventKind(kind)
		ev.CameraID = cameraID.String
		ev.Verification = correlate.Verification(verification)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// SaveAuditRecord persists one cart audit entry.
func (db *DB) SaveAuditRecord(ctx context.Context, rec cart.AuditRecord) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO cart_audit (at, customer_id, event_id, label, kind, note)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		encodeTime(rec.At), rec.CustomerID, rec.EventID, rec.Label, rec.Kind, rec.Note,
	)
	return err
}

// AuditRecords returns audit entries, oldest first.
func (db *DB) AuditRecords(ctx context.Context, limit int) ([]cart.AuditRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.QueryContext(ctx,
		`SELECT at, customer_id, event_id, label, kind, note FROM cart_audit ORDER BY at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []cart.AuditRecord
	for rows.Next() {
		var rec cart.AuditRecord
		var at string
		var note sql.NullString
		if err := rows.Scan(&at, &rec.CustomerID, &rec.EventID, &rec.Label, &rec.Kind, &note); err != nil {
			return nil, err
		}
		if rec.At, err = decodeTime(at); err != nil {
			return nil, err
		}
		rec.Note = note.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (db *DB) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)
	// create a tailSQL instance and point it to our DB
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		log.Fatalf("failed to create tailsql server: %v", err)
	}
	tsql.SetDB("sqlite://checkout.db", db.DB, &tailsql.DBOptions{
		Label: "Checkout DB",
	})

	// mount the tailSQL server on the debug /tailsql path
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())

	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		unixTime := time.Now().Unix()
		// db.path is operator input; keep it from smuggling separators
		// into the backup filename.
		base := security.SanitizeFilename(strings.TrimSuffix(filepath.Base(db.path), ".db"))
		backupPath := fmt.Sprintf("backup-%s-%d.db", base, unixTime)
		if _, err := db.DB.Exec("VACUUM INTO ?", backupPath); err != nil {
			http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", backupPath))
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Encoding", "gzip")

		backupFile, err := os.Open(backupPath)
		if err != nil {
			http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
			return
		}
		defer func() {
			backupFile.Close()
			if err := os.Remove(backupPath); err != nil {
				log.Printf("Failed to remove backup file: %v", err)
			}
		}()

		gzipWriter := gzip.NewWriter(w)
		defer gzipWriter.Close()
		if _, err := io.Copy(gzipWriter, backupFile); err != nil {
			http.Error(w, fmt.Sprintf("Failed to write backup file: %v", err), http.StatusInternalServerError)
			return
		}
	}))
}
