package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a session record.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusCompleted SessionStatus = "completed"
)

// Booking statuses accepted by UpdateBookingStatus.
const (
	BookingConfirmed   = "confirmed"
	BookingCancelled   = "cancelled"
	BookingCompleted   = "completed"
	BookingRescheduled = "rescheduled"
	BookingNoShow      = "no-show"
)

var (
	ErrNotFound      = errors.New("store: record not found")
	ErrAlreadyEnded  = errors.New("store: session already ended")
	ErrNotConfigured = errors.New("store: persistence target not configured")
	ErrInvalidStatus = errors.New("store: invalid booking status")
)

// Session is the application-level record of one provisioned room.
type Session struct {
	ID              string        `json:"session_id"`
	RoomName        string        `json:"room_name"`
	Status          SessionStatus `json:"status"`
	StartedAt       time.Time     `json:"start_time"`
	EndedAt         *time.Time    `json:"end_time,omitempty"`
	DurationSeconds int           `json:"duration_seconds"`
	EndReason       string        `json:"end_reason,omitempty"`
}

// Credential is a staff login record.
type Credential struct {
	UserID       int64
	Email        string
	PasswordHash string
}

// Message is one conversation log line.
type Message struct {
	SessionID     string
	UserID        int64
	Speaker       string
	Text          string
	AudioDuration float64
	At            time.Time
}

// Booking is an appointment made during a session. PatientName, Phone and
// Email are only populated by lookups that join the patient record.
type Booking struct {
	ID          string    `json:"booking_id"`
	SessionID   string    `json:"session_id"`
	UserID      int64     `json:"user_id"`
	Start       time.Time `json:"appointment_start_time"`
	End         time.Time `json:"appointment_end_time"`
	ServiceType string    `json:"service_type,omitempty"`
	Status      string    `json:"status"`
	Notes       string    `json:"notes,omitempty"`
	CreatedAt   time.Time `json:"created_at"`

	PatientName string `json:"patient_name,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Email       string `json:"email,omitempty"`
}

// DailyStats aggregates one UTC day of sessions and bookings.
type DailyStats struct {
	Day                       time.Time `json:"date"`
	TotalSessions             int       `json:"total_sessions"`
	TotalUsers                int       `json:"total_users"`
	TotalBookings             int       `json:"total_bookings"`
	SuccessfulBookings        int       `json:"successful_bookings"`
	CancelledBookings         int       `json:"cancelled_bookings"`
	AvgSessionDurationSeconds float64   `json:"avg_session_duration_seconds"`
}

// Store is the persistence collaborator. No method holds a pooled
// connection after it returns.
type Store interface {
	CreateSession(ctx context.Context, roomName string) (Session, error)
	EndSession(ctx context.Context, sessionID string, duration time.Duration, reason string) error
	GetSession(ctx context.Context, sessionID string) (Session, error)
	GetActiveSessionByRoom(ctx context.Context, roomName string) (Session, error)

	Authenticate(ctx context.Context, email string) (Credential, error)
	SeedUser(ctx context.Context, email, passwordHash string) (int64, error)

	GetOrCreateUser(ctx context.Context, phone, name, email string) (int64, error)
	LogMessage(ctx context.Context, msg Message) error
	CreateBooking(ctx context.Context, b Booking) (string, error)
	UpdateBookingStatus(ctx context.Context, bookingID, status, reason string) error
	FindBookingsByPhone(ctx context.Context, phone string, limit int) ([]Booking, error)

	RefreshDailyAnalytics(ctx context.Context, day time.Time) error
	DailyStats(ctx context.Context, day time.Time) (DailyStats, error)

	Ping(ctx context.Context) error
	Mode() string
	Close() error
}

func newSessionID() string { return "sess_" + shortHex() }

func newBookingID() string { return "book_" + shortHex() }

func shortHex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func validBookingStatus(status string) bool {
	switch status {
	case BookingConfirmed, BookingCancelled, BookingCompleted, BookingRescheduled, BookingNoShow:
		return true
	default:
		return false
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// dayBounds returns the UTC [start, end) range of the day containing t.
func dayBounds(t time.Time) (time.Time, time.Time) {
	t = t.UTC()
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return start, start.Add(24 * time.Hour)
}

// minSuffixDigits is the shortest digit run accepted for suffix phone lookups.
const minSuffixDigits = 7
