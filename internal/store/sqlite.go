package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ent0n29/toothfairy/internal/phone"
)

// SQLiteStore implements Store on a single-file SQLite database. Timestamps
// are stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path in WAL mode
// with at most maxConns open connections.
func NewSQLiteStore(ctx context.Context, path string, maxConns int) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite: empty database path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 5
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS user_auth (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		room_name TEXT NOT NULL,
		start_time INTEGER NOT NULL,
		end_time INTEGER,
		status TEXT NOT NULL,
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		end_reason TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_room_status ON sessions(room_name, status);
	CREATE TABLE IF NOT EXISTS users (
		user_id INTEGER PRIMARY KEY AUTOINCREMENT,
		phone TEXT NOT NULL,
		phone_normalized TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		first_contact_date INTEGER NOT NULL,
		last_contact_date INTEGER NOT NULL,
		total_bookings INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_users_phone_normalized ON users(phone_normalized);
	CREATE TABLE IF NOT EXISTS conversation_logs (
		log_id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		user_id INTEGER,
		speaker TEXT NOT NULL,
		message_text TEXT NOT NULL,
		logged_at INTEGER NOT NULL,
		audio_duration_seconds REAL NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS bookings (
		booking_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL DEFAULT '',
		user_id INTEGER NOT NULL REFERENCES users(user_id),
		appointment_start_time INTEGER NOT NULL,
		appointment_end_time INTEGER NOT NULL,
		service_type TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS booking_history (
		history_id INTEGER PRIMARY KEY AUTOINCREMENT,
		booking_id TEXT NOT NULL,
		action TEXT NOT NULL,
		appointment_start_time INTEGER,
		changed_at INTEGER NOT NULL,
		notes TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS session_analytics (
		day INTEGER PRIMARY KEY,
		total_sessions INTEGER NOT NULL,
		total_users INTEGER NOT NULL,
		total_bookings INTEGER NOT NULL,
		successful_bookings INTEGER NOT NULL,
		cancelled_bookings INTEGER NOT NULL,
		avg_session_duration_seconds REAL NOT NULL,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func (s *SQLiteStore) CreateSession(ctx context.Context, roomName string) (Session, error) {
	sess := Session{
		ID:        newSessionID(),
		RoomName:  roomName,
		Status:    StatusActive,
		StartedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, room_name, start_time, status) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.RoomName, ms(sess.StartedAt), string(sess.Status),
	)
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *SQLiteStore) EndSession(ctx context.Context, sessionID string, duration time.Duration, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET end_time = ?, status = ?, duration_seconds = ?, end_reason = ?
		 WHERE session_id = ? AND status = ?`,
		ms(time.Now()), string(StatusCompleted), int(duration/time.Second), reason, sessionID, string(StatusActive),
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return err
	}
	return ErrAlreadyEnded
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, sessionID)
	return scanSQLiteSession(row)
}

func (s *SQLiteStore) GetActiveSessionByRoom(ctx context.Context, roomName string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE room_name = ? AND status = ?
		 ORDER BY start_time DESC LIMIT 1`,
		roomName, string(StatusActive),
	)
	return scanSQLiteSession(row)
}

func scanSQLiteSession(row *sql.Row) (Session, error) {
	var (
		sess    Session
		status  string
		started int64
		ended   sql.NullInt64
	)
	err := row.Scan(&sess.ID, &sess.RoomName, &status, &started, &ended, &sess.DurationSeconds, &sess.EndReason)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.Status = SessionStatus(status)
	sess.StartedAt = fromMS(started)
	if ended.Valid {
		t := fromMS(ended.Int64)
		sess.EndedAt = &t
	}
	return sess, nil
}

func (s *SQLiteStore) Authenticate(ctx context.Context, email string) (Credential, error) {
	var c Credential
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, password_hash FROM user_auth WHERE email = ?`,
		normalizeEmail(email),
	).Scan(&c.UserID, &c.Email, &c.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("authenticate: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) SeedUser(ctx context.Context, email, passwordHash string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO user_auth (email, password_hash, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(email) DO UPDATE SET password_hash = excluded.password_hash
		 RETURNING id`,
		normalizeEmail(email), passwordHash, ms(time.Now()),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("seed user: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) GetOrCreateUser(ctx context.Context, rawPhone, name, email string) (int64, error) {
	normalized := phone.Normalize(rawPhone)
	now := ms(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	if normalized != "" {
		err = tx.QueryRowContext(ctx,
			`SELECT user_id FROM users WHERE phone_normalized = ? ORDER BY user_id LIMIT 1`,
			normalized,
		).Scan(&id)
		switch {
		case err == nil:
			if _, err := tx.ExecContext(ctx, `UPDATE users SET last_contact_date = ? WHERE user_id = ?`, now, id); err != nil {
				return 0, fmt.Errorf("touch user: %w", err)
			}
		case errors.Is(err, sql.ErrNoRows):
			id = 0
		default:
			return 0, fmt.Errorf("lookup user: %w", err)
		}
	}
	if id == 0 {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO users (phone, phone_normalized, name, email, first_contact_date, last_contact_date)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			rawPhone, normalized, name, email, now, now,
		)
		if err != nil {
			return 0, fmt.Errorf("insert user: %w", err)
		}
		if id, err = res.LastInsertId(); err != nil {
			return 0, fmt.Errorf("insert user id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return id, nil
}

func (s *SQLiteStore) LogMessage(ctx context.Context, msg Message) error {
	if msg.At.IsZero() {
		msg.At = time.Now()
	}
	var userID sql.NullInt64
	if msg.UserID > 0 {
		userID = sql.NullInt64{Int64: msg.UserID, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversation_logs (session_id, user_id, speaker, message_text, logged_at, audio_duration_seconds)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.SessionID, userID, msg.Speaker, msg.Text, ms(msg.At), msg.AudioDuration,
	)
	if err != nil {
		return fmt.Errorf("log message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateBooking(ctx context.Context, b Booking) (string, error) {
	b.ID = newBookingID()
	b.CreatedAt = time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE users SET total_bookings = total_bookings + 1 WHERE user_id = ?`, b.UserID)
	if err != nil {
		return "", fmt.Errorf("count booking: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return "", ErrNotFound
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO bookings (booking_id, session_id, user_id, appointment_start_time, appointment_end_time,
		 service_type, status, notes, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.SessionID, b.UserID, ms(b.Start), ms(b.End), b.ServiceType, BookingConfirmed, b.Notes, ms(b.CreatedAt),
	)
	if err != nil {
		return "", fmt.Errorf("insert booking: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO booking_history (booking_id, action, appointment_start_time, changed_at, notes)
		 VALUES (?, ?, ?, ?, ?)`,
		b.ID, "initial_booking", ms(b.Start), ms(b.CreatedAt), "Booking initial_booking via AI agent",
	)
	if err != nil {
		return "", fmt.Errorf("insert booking history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	return b.ID, nil
}

func (s *SQLiteStore) UpdateBookingStatus(ctx context.Context, bookingID, status, reason string) error {
	if !validBookingStatus(status) {
		return ErrInvalidStatus
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var start int64
	err = tx.QueryRowContext(ctx,
		`UPDATE bookings SET status = ?, notes = ? WHERE booking_id = ? RETURNING appointment_start_time`,
		status, reason, bookingID,
	).Scan(&start)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update booking: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO booking_history (booking_id, action, appointment_start_time, changed_at, notes)
		 VALUES (?, ?, ?, ?, ?)`,
		bookingID, status, start, ms(time.Now()), reason,
	)
	if err != nil {
		return fmt.Errorf("insert booking history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindBookingsByPhone(ctx context.Context, rawPhone string, limit int) ([]Booking, error) {
	if limit <= 0 {
		limit = 5
	}
	normalized := phone.Normalize(rawPhone)
	if normalized == "" {
		return nil, nil
	}
	out, err := s.queryBookings(ctx, bookingLookup+`u.phone_normalized = ?
		ORDER BY b.appointment_start_time DESC LIMIT ?`, normalized, limit)
	if err != nil || len(out) > 0 || len(normalized) < minSuffixDigits {
		return out, err
	}
	return s.queryBookings(ctx, bookingLookup+`(u.phone_normalized LIKE '%' || ?1 OR ?1 LIKE '%' || u.phone_normalized)
		AND length(u.phone_normalized) >= ?3
		ORDER BY b.appointment_start_time DESC LIMIT ?2`, normalized, limit, minSuffixDigits)
}

func (s *SQLiteStore) queryBookings(ctx context.Context, query string, args ...any) ([]Booking, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bookings: %w", err)
	}
	defer rows.Close()

	var out []Booking
	for rows.Next() {
		var (
			b                   Booking
			start, end, created int64
		)
		if err := rows.Scan(&b.ID, &b.SessionID, &b.UserID, &start, &end, &b.ServiceType, &b.Status,
			&b.Notes, &created, &b.PatientName, &b.Phone, &b.Email); err != nil {
			return nil, fmt.Errorf("scan booking row: %w", err)
		}
		b.Start, b.End, b.CreatedAt = fromMS(start), fromMS(end), fromMS(created)
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate booking rows: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) RefreshDailyAnalytics(ctx context.Context, day time.Time) error {
	start, end := dayBounds(day)
	stats := DailyStats{Day: start}

	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(AVG(duration_seconds), 0.0) FROM sessions
		 WHERE start_time >= ? AND start_time < ? AND status = 'completed'`,
		ms(start), ms(end),
	).Scan(&stats.TotalSessions, &stats.AvgSessionDurationSeconds)
	if err != nil {
		return fmt.Errorf("aggregate sessions: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT user_id), COUNT(*),
		 COALESCE(SUM(CASE WHEN status = 'confirmed' THEN 1 ELSE 0 END), 0),
		 COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0)
		 FROM bookings WHERE created_at >= ? AND created_at < ?`,
		ms(start), ms(end),
	).Scan(&stats.TotalUsers, &stats.TotalBookings, &stats.SuccessfulBookings, &stats.CancelledBookings)
	if err != nil {
		return fmt.Errorf("aggregate bookings: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO session_analytics (day, total_sessions, total_users, total_bookings,
		 successful_bookings, cancelled_bookings, avg_session_duration_seconds, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(day) DO UPDATE SET
		   total_sessions = excluded.total_sessions,
		   total_users = excluded.total_users,
		   total_bookings = excluded.total_bookings,
		   successful_bookings = excluded.successful_bookings,
		   cancelled_bookings = excluded.cancelled_bookings,
		   avg_session_duration_seconds = excluded.avg_session_duration_seconds,
		   updated_at = excluded.updated_at`,
		ms(start), stats.TotalSessions, stats.TotalUsers, stats.TotalBookings,
		stats.SuccessfulBookings, stats.CancelledBookings, stats.AvgSessionDurationSeconds, ms(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("upsert analytics: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DailyStats(ctx context.Context, day time.Time) (DailyStats, error) {
	start, _ := dayBounds(day)
	stats := DailyStats{Day: start}
	err := s.db.QueryRowContext(ctx,
		`SELECT total_sessions, total_users, total_bookings, successful_bookings, cancelled_bookings,
		 avg_session_duration_seconds FROM session_analytics WHERE day = ?`,
		ms(start),
	).Scan(&stats.TotalSessions, &stats.TotalUsers, &stats.TotalBookings, &stats.SuccessfulBookings,
		&stats.CancelledBookings, &stats.AvgSessionDurationSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return DailyStats{}, ErrNotFound
	}
	if err != nil {
		return DailyStats{}, fmt.Errorf("daily stats: %w", err)
	}
	return stats, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Mode() string { return "sqlite" }

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
