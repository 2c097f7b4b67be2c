package store

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "toothfairy.db"), 2)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"memory": NewInMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			sess, err := s.CreateSession(ctx, "clinic_session_abcd1234")
			if err != nil {
				t.Fatalf("CreateSession() error = %v", err)
			}
			if !strings.HasPrefix(sess.ID, "sess_") || len(sess.ID) != len("sess_")+12 {
				t.Fatalf("session id = %q, want sess_<12 hex>", sess.ID)
			}
			if sess.Status != StatusActive {
				t.Fatalf("Status = %q, want %q", sess.Status, StatusActive)
			}

			byRoom, err := s.GetActiveSessionByRoom(ctx, "clinic_session_abcd1234")
			if err != nil || byRoom.ID != sess.ID {
				t.Fatalf("GetActiveSessionByRoom() = %+v, %v; want %s", byRoom, err, sess.ID)
			}

			if err := s.EndSession(ctx, sess.ID, 95*time.Second, "client_end"); err != nil {
				t.Fatalf("EndSession() error = %v", err)
			}
			got, err := s.GetSession(ctx, sess.ID)
			if err != nil {
				t.Fatalf("GetSession() error = %v", err)
			}
			if got.Status != StatusCompleted || got.DurationSeconds != 95 || got.EndReason != "client_end" {
				t.Fatalf("ended session = %+v", got)
			}
			if got.EndedAt == nil {
				t.Fatalf("EndedAt = nil, want timestamp")
			}

			if err := s.EndSession(ctx, sess.ID, time.Second, "again"); !errors.Is(err, ErrAlreadyEnded) {
				t.Fatalf("second EndSession() error = %v, want ErrAlreadyEnded", err)
			}
			again, _ := s.GetSession(ctx, sess.ID)
			if again.DurationSeconds != 95 {
				t.Fatalf("DurationSeconds after second end = %d, want 95", again.DurationSeconds)
			}
			if err := s.EndSession(ctx, "sess_missing", 0, ""); !errors.Is(err, ErrNotFound) {
				t.Fatalf("EndSession(missing) error = %v, want ErrNotFound", err)
			}
			if _, err := s.GetActiveSessionByRoom(ctx, "clinic_session_abcd1234"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("GetActiveSessionByRoom(after end) error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestCredentials(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			id, err := s.SeedUser(ctx, "Doc@Example.com", "hash-1")
			if err != nil {
				t.Fatalf("SeedUser() error = %v", err)
			}
			again, err := s.SeedUser(ctx, "doc@example.com", "hash-2")
			if err != nil || again != id {
				t.Fatalf("SeedUser(update) = %d, %v; want %d", again, err, id)
			}
			c, err := s.Authenticate(ctx, " DOC@example.com ")
			if err != nil {
				t.Fatalf("Authenticate() error = %v", err)
			}
			if c.UserID != id || c.Email != "doc@example.com" || c.PasswordHash != "hash-2" {
				t.Fatalf("credential = %+v", c)
			}
			if _, err := s.Authenticate(ctx, "nobody@example.com"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Authenticate(missing) error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestUsersAndBookings(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			id, err := s.GetOrCreateUser(ctx, "+1 (555) 123-4567", "Ada", "ada@example.com")
			if err != nil {
				t.Fatalf("GetOrCreateUser() error = %v", err)
			}
			same, err := s.GetOrCreateUser(ctx, "1-555-123-4567", "", "")
			if err != nil || same != id {
				t.Fatalf("GetOrCreateUser(reformatted) = %d, %v; want %d", same, err, id)
			}

			start := time.Now().Add(48 * time.Hour).UTC().Truncate(time.Millisecond)
			bookingID, err := s.CreateBooking(ctx, Booking{
				SessionID:   "sess_000000000001",
				UserID:      id,
				Start:       start,
				End:         start.Add(30 * time.Minute),
				ServiceType: "cleaning",
			})
			if err != nil {
				t.Fatalf("CreateBooking() error = %v", err)
			}
			if !strings.HasPrefix(bookingID, "book_") {
				t.Fatalf("booking id = %q, want book_ prefix", bookingID)
			}
			if _, err := s.CreateBooking(ctx, Booking{UserID: id + 100, Start: start, End: start}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("CreateBooking(unknown user) error = %v, want ErrNotFound", err)
			}

			found, err := s.FindBookingsByPhone(ctx, "15551234567", 5)
			if err != nil {
				t.Fatalf("FindBookingsByPhone(exact) error = %v", err)
			}
			if len(found) != 1 || found[0].ID != bookingID || found[0].PatientName != "Ada" {
				t.Fatalf("FindBookingsByPhone(exact) = %+v", found)
			}
			if !found[0].Start.Equal(start) {
				t.Fatalf("Start = %v, want %v", found[0].Start, start)
			}
			suffix, err := s.FindBookingsByPhone(ctx, "(555) 123-4567", 5)
			if err != nil || len(suffix) != 1 {
				t.Fatalf("FindBookingsByPhone(suffix) = %+v, %v; want 1 booking", suffix, err)
			}

			if err := s.UpdateBookingStatus(ctx, bookingID, "lost", ""); !errors.Is(err, ErrInvalidStatus) {
				t.Fatalf("UpdateBookingStatus(invalid) error = %v, want ErrInvalidStatus", err)
			}
			if err := s.UpdateBookingStatus(ctx, "book_missing", BookingCancelled, ""); !errors.Is(err, ErrNotFound) {
				t.Fatalf("UpdateBookingStatus(missing) error = %v, want ErrNotFound", err)
			}
			if err := s.UpdateBookingStatus(ctx, bookingID, BookingCancelled, "patient called"); err != nil {
				t.Fatalf("UpdateBookingStatus() error = %v", err)
			}
			after, err := s.FindBookingsByPhone(ctx, "15551234567", 5)
			if err != nil || len(after) != 0 {
				t.Fatalf("FindBookingsByPhone(after cancel) = %+v, %v; want none", after, err)
			}

			if err := s.LogMessage(ctx, Message{SessionID: "sess_000000000001", UserID: id, Speaker: "agent", Text: "Hello"}); err != nil {
				t.Fatalf("LogMessage() error = %v", err)
			}
		})
	}
}

func TestDailyAnalytics(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC()
			if _, err := s.DailyStats(ctx, now); !errors.Is(err, ErrNotFound) {
				t.Fatalf("DailyStats(before refresh) error = %v, want ErrNotFound", err)
			}
			for _, d := range []time.Duration{10 * time.Second, 30 * time.Second} {
				sess, err := s.CreateSession(ctx, "room-"+d.String())
				if err != nil {
					t.Fatalf("CreateSession() error = %v", err)
				}
				if err := s.EndSession(ctx, sess.ID, d, "client_end"); err != nil {
					t.Fatalf("EndSession() error = %v", err)
				}
			}
			if _, err := s.CreateSession(ctx, "still-active"); err != nil {
				t.Fatalf("CreateSession() error = %v", err)
			}
			userID, _ := s.GetOrCreateUser(ctx, "5550001111", "Bo", "")
			if _, err := s.CreateBooking(ctx, Booking{UserID: userID, Start: now, End: now}); err != nil {
				t.Fatalf("CreateBooking() error = %v", err)
			}

			if err := s.RefreshDailyAnalytics(ctx, now); err != nil {
				t.Fatalf("RefreshDailyAnalytics() error = %v", err)
			}
			stats, err := s.DailyStats(ctx, now)
			if err != nil {
				t.Fatalf("DailyStats() error = %v", err)
			}
			if stats.TotalSessions != 2 || stats.AvgSessionDurationSeconds != 20 {
				t.Fatalf("session stats = %+v, want 2 sessions avg 20s", stats)
			}
			if stats.TotalBookings != 1 || stats.SuccessfulBookings != 1 || stats.TotalUsers != 1 {
				t.Fatalf("booking stats = %+v, want 1 booking 1 user", stats)
			}
		})
	}
}

func TestNewStoreSelectsBackend(t *testing.T) {
	ctx := context.Background()
	if _, err := NewStore(ctx, Options{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("NewStore(empty) error = %v, want ErrNotConfigured", err)
	}
	if _, err := NewStore(ctx, Options{DatabaseURL: "mysql://u:p@h/db"}); err == nil {
		t.Fatalf("NewStore(mysql) error = nil, want failure")
	} else if strings.Contains(err.Error(), "u:p") {
		t.Fatalf("error leaks credentials: %v", err)
	}

	mem, err := NewStore(ctx, Options{Driver: "memory"})
	if err != nil || mem.Mode() != "in-memory" {
		t.Fatalf("NewStore(memory) = %v, %v", mem, err)
	}

	lite, err := NewStore(ctx, Options{DatabaseURL: "sqlite://" + filepath.Join(t.TempDir(), "x.db")})
	if err != nil {
		t.Fatalf("NewStore(sqlite) error = %v", err)
	}
	defer lite.Close()
	if lite.Mode() != "sqlite" {
		t.Fatalf("Mode() = %q, want sqlite", lite.Mode())
	}
	if err := lite.Ping(ctx); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}
}
