package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ent0n29/toothfairy/internal/phone"
)

type memUser struct {
	id            int64
	phone         string
	normalized    string
	name          string
	email         string
	firstContact  time.Time
	lastContact   time.Time
	totalBookings int
}

type memHistory struct {
	bookingID string
	action    string
	start     time.Time
	changedAt time.Time
	notes     string
}

// InMemoryStore is a process-local store for local/dev use and tests.
type InMemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	creds     map[string]Credential
	nextCred  int64
	users     map[int64]*memUser
	nextUser  int64
	messages  []Message
	bookings  map[string]*Booking
	history   []memHistory
	analytics map[time.Time]DailyStats
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions:  make(map[string]*Session),
		creds:     make(map[string]Credential),
		users:     make(map[int64]*memUser),
		bookings:  make(map[string]*Booking),
		analytics: make(map[time.Time]DailyStats),
	}
}

func (s *InMemoryStore) CreateSession(_ context.Context, roomName string) (Session, error) {
	sess := &Session{
		ID:        newSessionID(),
		RoomName:  roomName,
		Status:    StatusActive,
		StartedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return *sess, nil
}

func (s *InMemoryStore) EndSession(_ context.Context, sessionID string, duration time.Duration, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if sess.Status != StatusActive {
		return ErrAlreadyEnded
	}
	now := time.Now().UTC()
	sess.Status = StatusCompleted
	sess.EndedAt = &now
	sess.DurationSeconds = int(duration / time.Second)
	sess.EndReason = reason
	return nil
}

func (s *InMemoryStore) GetSession(_ context.Context, sessionID string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return *sess, nil
}

func (s *InMemoryStore) GetActiveSessionByRoom(_ context.Context, roomName string) (Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sess := range s.sessions {
		if sess.RoomName == roomName && sess.Status == StatusActive {
			return *sess, nil
		}
	}
	return Session{}, ErrNotFound
}

func (s *InMemoryStore) Authenticate(_ context.Context, email string) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[normalizeEmail(email)]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return c, nil
}

func (s *InMemoryStore) SeedUser(_ context.Context, email, passwordHash string) (int64, error) {
	key := normalizeEmail(email)
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.creds[key]; ok {
		c.PasswordHash = passwordHash
		s.creds[key] = c
		return c.UserID, nil
	}
	s.nextCred++
	s.creds[key] = Credential{UserID: s.nextCred, Email: key, PasswordHash: passwordHash}
	return s.nextCred, nil
}

func (s *InMemoryStore) GetOrCreateUser(_ context.Context, rawPhone, name, email string) (int64, error) {
	normalized := phone.Normalize(rawPhone)
	now := time.Now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if normalized != "" && u.normalized == normalized {
			u.lastContact = now
			return u.id, nil
		}
	}
	s.nextUser++
	s.users[s.nextUser] = &memUser{
		id:           s.nextUser,
		phone:        rawPhone,
		normalized:   normalized,
		name:         name,
		email:        email,
		firstContact: now,
		lastContact:  now,
	}
	return s.nextUser, nil
}

func (s *InMemoryStore) LogMessage(_ context.Context, msg Message) error {
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *InMemoryStore) CreateBooking(_ context.Context, b Booking) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[b.UserID]
	if !ok {
		return "", ErrNotFound
	}
	b.ID = newBookingID()
	b.Status = BookingConfirmed
	b.CreatedAt = time.Now().UTC()
	s.bookings[b.ID] = &b
	u.totalBookings++
	s.history = append(s.history, memHistory{
		bookingID: b.ID,
		action:    "initial_booking",
		start:     b.Start,
		changedAt: b.CreatedAt,
		notes:     "Booking initial_booking via AI agent",
	})
	return b.ID, nil
}

func (s *InMemoryStore) UpdateBookingStatus(_ context.Context, bookingID, status, reason string) error {
	if !validBookingStatus(status) {
		return ErrInvalidStatus
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bookings[bookingID]
	if !ok {
		return ErrNotFound
	}
	b.Status = status
	b.Notes = reason
	s.history = append(s.history, memHistory{
		bookingID: bookingID,
		action:    status,
		start:     b.Start,
		changedAt: time.Now().UTC(),
		notes:     reason,
	})
	return nil
}

func (s *InMemoryStore) FindBookingsByPhone(_ context.Context, rawPhone string, limit int) ([]Booking, error) {
	if limit <= 0 {
		limit = 5
	}
	normalized := phone.Normalize(rawPhone)
	if normalized == "" {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	match := func(exact bool) []Booking {
		var out []Booking
		for _, b := range s.bookings {
			if b.Status != BookingConfirmed && b.Status != BookingCompleted {
				continue
			}
			u := s.users[b.UserID]
			if u == nil {
				continue
			}
			if exact && u.normalized != normalized {
				continue
			}
			if !exact && !phone.Match(u.normalized, normalized) {
				continue
			}
			c := *b
			c.PatientName, c.Phone, c.Email = u.name, u.phone, u.email
			out = append(out, c)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Start.After(out[j].Start) })
		if len(out) > limit {
			out = out[:limit]
		}
		return out
	}

	if out := match(true); len(out) > 0 {
		return out, nil
	}
	if len(normalized) < minSuffixDigits {
		return nil, nil
	}
	return match(false), nil
}

func (s *InMemoryStore) RefreshDailyAnalytics(_ context.Context, day time.Time) error {
	start, end := dayBounds(day)
	stats := DailyStats{Day: start}

	s.mu.Lock()
	defer s.mu.Unlock()
	var total time.Duration
	for _, sess := range s.sessions {
		if sess.Status != StatusCompleted || sess.StartedAt.Before(start) || !sess.StartedAt.Before(end) {
			continue
		}
		stats.TotalSessions++
		total += time.Duration(sess.DurationSeconds) * time.Second
	}
	if stats.TotalSessions > 0 {
		stats.AvgSessionDurationSeconds = total.Seconds() / float64(stats.TotalSessions)
	}
	users := make(map[int64]struct{})
	for _, b := range s.bookings {
		if b.CreatedAt.Before(start) || !b.CreatedAt.Before(end) {
			continue
		}
		users[b.UserID] = struct{}{}
		stats.TotalBookings++
		switch b.Status {
		case BookingConfirmed:
			stats.SuccessfulBookings++
		case BookingCancelled:
			stats.CancelledBookings++
		}
	}
	stats.TotalUsers = len(users)
	s.analytics[start] = stats
	return nil
}

func (s *InMemoryStore) DailyStats(_ context.Context, day time.Time) (DailyStats, error) {
	start, _ := dayBounds(day)
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats, ok := s.analytics[start]
	if !ok {
		return DailyStats{}, ErrNotFound
	}
	return stats, nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Mode() string { return "in-memory" }

func (s *InMemoryStore) Close() error { return nil }
