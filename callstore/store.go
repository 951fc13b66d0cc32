// Package callstore keeps call records in PostgreSQL.
//
// The bridge never touches the store. The HTTP layer looks a record up when a
// media stream connects, to give the agent the callee's name, and records
// status changes reported by Twilio.
package callstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentplexus/callbridge"
)

// ErrNotFound is returned when no record exists for a call SID.
var ErrNotFound = errors.New("call record not found")

// Record is one row of call_records.
type Record struct {
	ID              int64
	CallSID         string
	PhoneNumber     string
	Name            string
	FirstName       string
	LastName        string
	Email           string
	CallStatus      string
	StartTime       *time.Time
	EndTime         *time.Time
	DurationSeconds *int32
	CallType        string
}

// DynamicVariables returns the calling context handed to the agent.
func (r *Record) DynamicVariables() map[string]string {
	name := r.FirstName
	if name == "" {
		name = r.Name
	}
	if name == "" {
		name = "Unknown"
	}
	vars := map[string]string{"user_name": name}
	if r.Email != "" {
		vars["user_email"] = r.Email
	}
	return vars
}

// DynamicVariablesFor returns the calling context for a call that may have
// no record.
func DynamicVariablesFor(r *Record) map[string]string {
	if r == nil {
		return map[string]string{"user_name": "Unknown"}
	}
	return r.DynamicVariables()
}

// db is the part of *pgxpool.Pool the store uses.
type db interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Store reads and writes call records.
type Store struct {
	db   db
	pool *pgxpool.Pool
	now  func() time.Time
}

// New connects to the database at dsn.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Store{db: pool, pool: pool, now: time.Now}, nil
}

func newWithDB(d db, now func() time.Time) *Store {
	return &Store{db: d, now: now}
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

const lookupSQL = `SELECT id, call_sid, phone_number,
	COALESCE(name, ''), COALESCE(first_name, ''), COALESCE(last_name, ''), COALESCE(email, ''),
	COALESCE(call_status, ''), start_time, end_time, duration_seconds, COALESCE(call_type, '')
FROM call_records WHERE call_sid = $1`

// Lookup returns the record for callSID.
func (s *Store) Lookup(ctx context.Context, callSID string) (*Record, error) {
	var r Record
	err := s.db.QueryRow(ctx, lookupSQL, callSID).Scan(
		&r.ID, &r.CallSID, &r.PhoneNumber,
		&r.Name, &r.FirstName, &r.LastName, &r.Email,
		&r.CallStatus, &r.StartTime, &r.EndTime, &r.DurationSeconds, &r.CallType,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup call %s: %w", callSID, err)
	}
	return &r, nil
}

const upsertSQL = `INSERT INTO call_records
	(call_sid, phone_number, name, first_name, last_name, email, call_status, call_type)
VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, 'ongoing'), COALESCE($8, 'outbound'))
ON CONFLICT (call_sid) DO UPDATE SET
	phone_number = EXCLUDED.phone_number,
	name = COALESCE($3, call_records.name),
	first_name = COALESCE($4, call_records.first_name),
	last_name = COALESCE($5, call_records.last_name),
	email = COALESCE($6, call_records.email),
	call_status = COALESCE($7, call_records.call_status),
	call_type = COALESCE($8, call_records.call_type)`

// Upsert inserts r or updates the existing record for r.CallSID. Empty
// fields leave stored values unchanged.
func (s *Store) Upsert(ctx context.Context, r Record) error {
	if r.CallSID == "" {
		return fmt.Errorf("upsert call: call sid is required")
	}
	_, err := s.db.Exec(ctx, upsertSQL,
		r.CallSID, r.PhoneNumber,
		nullString(r.Name), nullString(r.FirstName), nullString(r.LastName), nullString(r.Email),
		nullString(r.CallStatus), nullString(r.CallType),
	)
	if err != nil {
		return fmt.Errorf("upsert call %s: %w", r.CallSID, err)
	}
	return nil
}

const updateStatusSQL = `UPDATE call_records SET
	call_status = $2,
	start_time = CASE WHEN $3::boolean AND start_time IS NULL THEN $5 ELSE start_time END,
	end_time = CASE WHEN $4::boolean THEN $5 ELSE end_time END,
	duration_seconds = CASE WHEN $4::boolean AND start_time IS NOT NULL
		THEN EXTRACT(EPOCH FROM ($5 - start_time))::int ELSE duration_seconds END
WHERE call_sid = $1`

// UpdateStatus records a call status. An answered call gets its start time,
// a finished call its end time and duration.
func (s *Store) UpdateStatus(ctx context.Context, callSID, status string) error {
	answered := status == callbridge.CallStatusInProgress
	finished := callbridge.IsTerminalStatus(status)
	tag, err := s.db.Exec(ctx, updateStatusSQL, callSID, status, answered, finished, s.now().UTC())
	if err != nil {
		return fmt.Errorf("update call %s status: %w", callSID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
