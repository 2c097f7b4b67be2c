package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ent0n29/toothfairy/internal/phone"
)

// PostgresStore persists sessions, credentials and bookings in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a bounded pool (maxConns, default 5) and creates
// the schema if missing.
func NewPostgresStore(ctx context.Context, databaseURL string, maxConns int) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if maxConns <= 0 {
		maxConns = 5
	}
	cfg.MaxConns = int32(maxConns)
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initPostgresSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initPostgresSchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS user_auth (
			id BIGSERIAL PRIMARY KEY,
			email TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
		`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			room_name TEXT NOT NULL,
			start_time TIMESTAMPTZ NOT NULL,
			end_time TIMESTAMPTZ,
			status TEXT NOT NULL,
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			end_reason TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_room_status ON sessions (room_name, status);`,
		`CREATE TABLE IF NOT EXISTS users (
			user_id BIGSERIAL PRIMARY KEY,
			phone TEXT NOT NULL,
			phone_normalized TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			first_contact_date TIMESTAMPTZ NOT NULL,
			last_contact_date TIMESTAMPTZ NOT NULL,
			total_bookings INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_users_phone_normalized ON users (phone_normalized);`,
		`CREATE TABLE IF NOT EXISTS conversation_logs (
			log_id BIGSERIAL PRIMARY KEY,
			session_id TEXT NOT NULL,
			user_id BIGINT,
			speaker TEXT NOT NULL,
			message_text TEXT NOT NULL,
			logged_at TIMESTAMPTZ NOT NULL,
			audio_duration_seconds DOUBLE PRECISION NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversation_logs_session ON conversation_logs (session_id, logged_at);`,
		`CREATE TABLE IF NOT EXISTS bookings (
			booking_id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL DEFAULT '',
			user_id BIGINT NOT NULL REFERENCES users (user_id),
			appointment_start_time TIMESTAMPTZ NOT NULL,
			appointment_end_time TIMESTAMPTZ NOT NULL,
			service_type TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			notes TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS booking_history (
			history_id BIGSERIAL PRIMARY KEY,
			booking_id TEXT NOT NULL,
			action TEXT NOT NULL,
			appointment_start_time TIMESTAMPTZ,
			changed_at TIMESTAMPTZ NOT NULL,
			notes TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS session_analytics (
			day DATE PRIMARY KEY,
			total_sessions INTEGER NOT NULL,
			total_users INTEGER NOT NULL,
			total_bookings INTEGER NOT NULL,
			successful_bookings INTEGER NOT NULL,
			cancelled_bookings INTEGER NOT NULL,
			avg_session_duration_seconds DOUBLE PRECISION NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, roomName string) (Session, error) {
	sess := Session{
		ID:        newSessionID(),
		RoomName:  roomName,
		Status:    StatusActive,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO sessions (session_id, room_name, start_time, status) VALUES ($1, $2, $3, $4)`,
		sess.ID, sess.RoomName, sess.StartedAt, string(sess.Status),
	)
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *PostgresStore) EndSession(ctx context.Context, sessionID string, duration time.Duration, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sessions SET end_time=$2, status=$3, duration_seconds=$4, end_reason=$5
		 WHERE session_id=$1 AND status=$6`,
		sessionID, time.Now().UTC(), string(StatusCompleted), int(duration/time.Second), reason, string(StatusActive),
	)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return err
	}
	return ErrAlreadyEnded
}

const sessionColumns = `session_id, room_name, status, start_time, end_time, duration_seconds, end_reason`

func (s *PostgresStore) GetSession(ctx context.Context, sessionID string) (Session, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id=$1`, sessionID)
	return scanPGSession(row)
}

func (s *PostgresStore) GetActiveSessionByRoom(ctx context.Context, roomName string) (Session, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE room_name=$1 AND status=$2
		 ORDER BY start_time DESC LIMIT 1`,
		roomName, string(StatusActive),
	)
	return scanPGSession(row)
}

func scanPGSession(row pgx.Row) (Session, error) {
	var (
		sess   Session
		status string
	)
	err := row.Scan(&sess.ID, &sess.RoomName, &status, &sess.StartedAt, &sess.EndedAt, &sess.DurationSeconds, &sess.EndReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	sess.Status = SessionStatus(status)
	return sess, nil
}

func (s *PostgresStore) Authenticate(ctx context.Context, email string) (Credential, error) {
	var c Credential
	err := s.pool.QueryRow(ctx,
		`SELECT id, email, password_hash FROM user_auth WHERE email=$1`,
		normalizeEmail(email),
	).Scan(&c.UserID, &c.Email, &c.PasswordHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, fmt.Errorf("authenticate: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) SeedUser(ctx context.Context, email, passwordHash string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO user_auth (email, password_hash) VALUES ($1, $2)
		 ON CONFLICT (email) DO UPDATE SET password_hash = EXCLUDED.password_hash
		 RETURNING id`,
		normalizeEmail(email), passwordHash,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("seed user: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetOrCreateUser(ctx context.Context, rawPhone, name, email string) (int64, error) {
	normalized := phone.Normalize(rawPhone)
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	if normalized != "" {
		err = tx.QueryRow(ctx,
			`SELECT user_id FROM users WHERE phone_normalized=$1 ORDER BY user_id LIMIT 1`,
			normalized,
		).Scan(&id)
		switch {
		case err == nil:
			if _, err := tx.Exec(ctx, `UPDATE users SET last_contact_date=$2 WHERE user_id=$1`, id, now); err != nil {
				return 0, fmt.Errorf("touch user: %w", err)
			}
		case errors.Is(err, pgx.ErrNoRows):
			id = 0
		default:
			return 0, fmt.Errorf("lookup user: %w", err)
		}
	}
	if id == 0 {
		err = tx.QueryRow(ctx,
			`INSERT INTO users (phone, phone_normalized, name, email, first_contact_date, last_contact_date)
			 VALUES ($1, $2, $3, $4, $5, $5) RETURNING user_id`,
			rawPhone, normalized, name, email, now,
		).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("insert user: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) LogMessage(ctx context.Context, msg Message) error {
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	var userID *int64
	if msg.UserID > 0 {
		userID = &msg.UserID
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO conversation_logs (session_id, user_id, speaker, message_text, logged_at, audio_duration_seconds)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		msg.SessionID, userID, msg.Speaker, msg.Text, msg.At, msg.AudioDuration,
	)
	if err != nil {
		return fmt.Errorf("log message: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateBooking(ctx context.Context, b Booking) (string, error) {
	b.ID = newBookingID()
	b.CreatedAt = time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `UPDATE users SET total_bookings = total_bookings + 1 WHERE user_id=$1`, b.UserID)
	if err != nil {
		return "", fmt.Errorf("count booking: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", ErrNotFound
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO bookings (booking_id, session_id, user_id, appointment_start_time, appointment_end_time,
		 service_type, status, notes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.ID, b.SessionID, b.UserID, b.Start, b.End, b.ServiceType, BookingConfirmed, b.Notes, b.CreatedAt,
	)
	if err != nil {
		return "", fmt.Errorf("insert booking: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO booking_history (booking_id, action, appointment_start_time, changed_at, notes)
		 VALUES ($1, $2, $3, $4, $5)`,
		b.ID, "initial_booking", b.Start, b.CreatedAt, "Booking initial_booking via AI agent",
	)
	if err != nil {
		return "", fmt.Errorf("insert booking history: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	return b.ID, nil
}

func (s *PostgresStore) UpdateBookingStatus(ctx context.Context, bookingID, status, reason string) error {
	if !validBookingStatus(status) {
		return ErrInvalidStatus
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var start time.Time
	err = tx.QueryRow(ctx,
		`UPDATE bookings SET status=$2, notes=$3 WHERE booking_id=$1 RETURNING appointment_start_time`,
		bookingID, status, reason,
	).Scan(&start)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update booking: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO booking_history (booking_id, action, appointment_start_time, changed_at, notes)
		 VALUES ($1, $2, $3, $4, $5)`,
		bookingID, status, start, time.Now().UTC(), reason,
	)
	if err != nil {
		return fmt.Errorf("insert booking history: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const bookingLookup = `SELECT b.booking_id, b.session_id, b.user_id, b.appointment_start_time, b.appointment_end_time,
	b.service_type, b.status, b.notes, b.created_at, u.name, u.phone, u.email
	FROM bookings b JOIN users u ON b.user_id = u.user_id
	WHERE b.status IN ('confirmed', 'completed') AND `

func (s *PostgresStore) FindBookingsByPhone(ctx context.Context, rawPhone string, limit int) ([]Booking, error) {
	if limit <= 0 {
		limit = 5
	}
	normalized := phone.Normalize(rawPhone)
	if normalized == "" {
		return nil, nil
	}
	out, err := s.queryBookings(ctx, bookingLookup+`u.phone_normalized = $1
		ORDER BY b.appointment_start_time DESC LIMIT $2`, normalized, limit)
	if err != nil || len(out) > 0 || len(normalized) < minSuffixDigits {
		return out, err
	}
	return s.queryBookings(ctx, bookingLookup+`(u.phone_normalized LIKE '%' || $1 OR $1 LIKE '%' || u.phone_normalized)
		AND length(u.phone_normalized) >= $3
		ORDER BY b.appointment_start_time DESC LIMIT $2`, normalized, limit, minSuffixDigits)
}

func (s *PostgresStore) queryBookings(ctx context.Context, query string, args ...any) ([]Booking, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query bookings: %w", err)
	}
	defer rows.Close()

	var out []Booking
	for rows.Next() {
		var b Booking
		if err := rows.Scan(&b.ID, &b.SessionID, &b.UserID, &b.Start, &b.End, &b.ServiceType, &b.Status,
			&b.Notes, &b.CreatedAt, &b.PatientName, &b.Phone, &b.Email); err != nil {
			return nil, fmt.Errorf("scan booking row: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate booking rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) RefreshDailyAnalytics(ctx context.Context, day time.Time) error {
	start, end := dayBounds(day)
	stats := DailyStats{Day: start}

	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(AVG(duration_seconds), 0)::float8 FROM sessions
		 WHERE start_time >= $1 AND start_time < $2 AND status = 'completed'`,
		start, end,
	).Scan(&stats.TotalSessions, &stats.AvgSessionDurationSeconds)
	if err != nil {
		return fmt.Errorf("aggregate sessions: %w", err)
	}
	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT user_id), COUNT(*),
		 COALESCE(SUM(CASE WHEN status = 'confirmed' THEN 1 ELSE 0 END), 0),
		 COALESCE(SUM(CASE WHEN status = 'cancelled' THEN 1 ELSE 0 END), 0)
		 FROM bookings WHERE created_at >= $1 AND created_at < $2`,
		start, end,
	).Scan(&stats.TotalUsers, &stats.TotalBookings, &stats.SuccessfulBookings, &stats.CancelledBookings)
	if err != nil {
		return fmt.Errorf("aggregate bookings: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO session_analytics (day, total_sessions, total_users, total_bookings,
		 successful_bookings, cancelled_bookings, avg_session_duration_seconds, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		 ON CONFLICT (day) DO UPDATE SET
		   total_sessions = EXCLUDED.total_sessions,
		   total_users = EXCLUDED.total_users,
		   total_bookings = EXCLUDED.total_bookings,
		   successful_bookings = EXCLUDED.successful_bookings,
		   cancelled_bookings = EXCLUDED.cancelled_bookings,
		   avg_session_duration_seconds = EXCLUDED.avg_session_duration_seconds,
		   updated_at = now()`,
		start, stats.TotalSessions, stats.TotalUsers, stats.TotalBookings,
		stats.SuccessfulBookings, stats.CancelledBookings, stats.AvgSessionDurationSeconds,
	)
	if err != nil {
		return fmt.Errorf("upsert analytics: %w", err)
	}
	return nil
}

func (s *PostgresStore) DailyStats(ctx context.Context, day time.Time) (DailyStats, error) {
	start, _ := dayBounds(day)
	stats := DailyStats{Day: start}
	err := s.pool.QueryRow(ctx,
		`SELECT total_sessions, total_users, total_bookings, successful_bookings, cancelled_bookings,
		 avg_session_duration_seconds FROM session_analytics WHERE day=$1`,
		start,
	).Scan(&stats.TotalSessions, &stats.TotalUsers, &stats.TotalBookings, &stats.SuccessfulBookings,
		&stats.CancelledBookings, &stats.AvgSessionDurationSeconds)
	if errors.Is(err, pgx.ErrNoRows) {
		return DailyStats{}, ErrNotFound
	}
	if err != nil {
		return DailyStats{}, fmt.Errorf("daily stats: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Mode() string { return "postgres" }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
