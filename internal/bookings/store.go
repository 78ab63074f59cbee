// Package bookings is the internal booking store and the adapter that reports its bookings as busy time.
package bookings

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"calendso/internal/models"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Times are stored as unix seconds so range filters compare numerically.
func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL DEFAULT '',
			email TEXT UNIQUE NOT NULL,
			time_zone TEXT NOT NULL DEFAULT 'UTC'
		)`,
		`CREATE TABLE IF NOT EXISTS event_types (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			title TEXT NOT NULL,
			length INTEGER NOT NULL,
			conflict_calendar_id TEXT NOT NULL DEFAULT '',
			add_calendar_id TEXT NOT NULL DEFAULT '',
			FOREIGN KEY (user_id) REFERENCES users(id)
		)`,
		`CREATE TABLE IF NOT EXISTS credentials (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			type TEXT NOT NULL,
			key TEXT NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(id)
		)`,
		`CREATE TABLE IF NOT EXISTS bookings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			event_type_id INTEGER,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			start_time INTEGER NOT NULL,
			end_time INTEGER NOT NULL,
			uid TEXT NOT NULL DEFAULT '',
			FOREIGN KEY (user_id) REFERENCES users(id),
			FOREIGN KEY (event_type_id) REFERENCES event_types(id)
		)`,
		`CREATE TABLE IF NOT EXISTS attendees (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			booking_id INTEGER NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL,
			time_zone TEXT NOT NULL DEFAULT '',
			FOREIGN KEY (booking_id) REFERENCES bookings(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_user_start ON bookings(user_id, start_time)`,
		`CREATE INDEX IF NOT EXISTS idx_credentials_user_id ON credentials(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_attendees_booking_id ON attendees(booking_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(m), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Users

func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (name, email, time_zone) VALUES (?, ?, ?)`,
		u.Name, u.Email, u.TimeZone)
	if err != nil {
		return err
	}
	u.ID, _ = res.LastInsertId()
	return nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	u := &models.User{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, email, time_zone FROM users WHERE email = ?`, email).
		Scan(&u.ID, &u.Name, &u.Email, &u.TimeZone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// Event types

func (s *Store) CreateEventType(ctx context.Context, userID int64, et *models.EventType) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO event_types (user_id, title, length, conflict_calendar_id, add_calendar_id) VALUES (?, ?, ?, ?, ?)`,
		userID, et.Title, et.Length, et.ConflictCalendarID, et.AddCalendarID)
	if err != nil {
		return err
	}
	et.ID, _ = res.LastInsertId()
	return nil
}

func (s *Store) GetEventType(ctx context.Context, id int64) (*models.EventType, error) {
	et := &models.EventType{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, length, conflict_calendar_id, add_calendar_id FROM event_types WHERE id = ?`, id).
		Scan(&et.ID, &et.Title, &et.Length, &et.ConflictCalendarID, &et.AddCalendarID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return et, nil
}

// Credentials

func (s *Store) CreateCredential(ctx context.Context, c *models.Credential) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO credentials (user_id, type, key) VALUES (?, ?, ?)`,
		c.UserID, string(c.Type), string(c.Key))
	if err != nil {
		return err
	}
	c.ID, _ = res.LastInsertId()
	return nil
}

// FindCredentials returns the user's stored credentials in insertion order, with Owner filled in.
func (s *Store) FindCredentials(ctx context.Context, userID int64) ([]models.Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.type, c.key, u.name, u.email, u.time_zone
		FROM credentials c JOIN users u ON u.id = c.user_id
		WHERE c.user_id = ?
		ORDER BY c.id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []models.Credential
	for rows.Next() {
		var (
			c   models.Credential
			typ string
			key string
		)
		if err := rows.Scan(&c.ID, &typ, &key, &c.Owner.Name, &c.Owner.Email, &c.Owner.TimeZone); err != nil {
			return nil, err
		}
		c.Type = models.CredentialType(typ)
		c.Key = json.RawMessage(key)
		c.UserID = userID
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// UpdateCredentialKey persists a refreshed credential key.
func (s *Store) UpdateCredentialKey(ctx context.Context, c models.Credential) error {
	if c.ID == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `UPDATE credentials SET key = ? WHERE id = ?`, string(c.Key), c.ID)
	return err
}

// Bookings

func (s *Store) CreateBooking(ctx context.Context, b *models.Booking) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO bookings (user_id, event_type_id, title, description, start_time, end_time, uid) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		b.UserID, b.EventTypeID, b.Title, b.Description, b.StartTime.Unix(), b.EndTime.Unix(), b.UID)
	if err != nil {
		return err
	}
	b.ID, _ = res.LastInsertId()

	for _, a := range b.Attendees {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO attendees (booking_id, name, email, time_zone) VALUES (?, ?, ?, ?)`,
			b.ID, a.Name, a.Email, a.TimeZone); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) UpdateBookingUID(ctx context.Context, bookingID int64, uid string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE bookings SET uid = ? WHERE id = ?`, uid, bookingID)
	return err
}

func (s *Store) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	list, err := s.queryBookings(ctx, `WHERE b.id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return &list[0], nil
}

func (s *Store) DeleteBooking(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM bookings WHERE id = ?`, id)
	return err
}

// FindBookings returns the user's bookings with start >= from and end < to, restricted to one
// event type when eventTypeID is set.
func (s *Store) FindBookings(ctx context.Context, userID int64, from, to time.Time, eventTypeID *int64) ([]models.Booking, error) {
	where := `WHERE b.user_id = ? AND b.start_time >= ? AND b.end_time < ?`
	args := []any{userID, from.Unix(), to.Unix()}
	if eventTypeID != nil {
		where += ` AND b.event_type_id = ?`
		args = append(args, *eventTypeID)
	}
	return s.queryBookings(ctx, where, args...)
}

// ListBookings returns all of a user's bookings, oldest first.
func (s *Store) ListBookings(ctx context.Context, userID int64) ([]models.Booking, error) {
	return s.queryBookings(ctx, `WHERE b.user_id = ?`, userID)
}

func (s *Store) queryBookings(ctx context.Context, where string, args ...any) ([]models.Booking, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT b.id, b.user_id, b.event_type_id, b.title, b.description, b.start_time, b.end_time, b.uid,
			et.id, et.title, et.length, et.conflict_calendar_id, et.add_calendar_id
		FROM bookings b LEFT JOIN event_types et ON et.id = b.event_type_id
		`+where+`
		ORDER BY b.start_time, b.id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		list  []models.Booking
		index = map[int64]int{}
	)
	for rows.Next() {
		var (
			b          models.Booking
			start, end int64
			etID       sql.NullInt64
			etTitle    sql.NullString
			etLength   sql.NullInt64
			etConflict sql.NullString
			etAdd      sql.NullString
		)
		if err := rows.Scan(&b.ID, &b.UserID, &b.EventTypeID, &b.Title, &b.Description, &start, &end, &b.UID,
			&etID, &etTitle, &etLength, &etConflict, &etAdd); err != nil {
			return nil, err
		}
		b.StartTime = time.Unix(start, 0).UTC()
		b.EndTime = time.Unix(end, 0).UTC()
		if etID.Valid {
			b.EventType = &models.EventType{
				ID:                 etID.Int64,
				Title:              etTitle.String,
				Length:             int(etLength.Int64),
				ConflictCalendarID: etConflict.String,
				AddCalendarID:      etAdd.String,
			}
		}
		index[b.ID] = len(list)
		list = append(list, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return list, nil
	}

	ids := make([]string, 0, len(list))
	idArgs := make([]any, 0, len(list))
	for _, b := range list {
		ids = append(ids, "?")
		idArgs = append(idArgs, b.ID)
	}
	arows, err := s.db.QueryContext(ctx,
		`SELECT booking_id, name, email, time_zone FROM attendees WHERE booking_id IN (`+strings.Join(ids, ",")+`) ORDER BY id`,
		idArgs...)
	if err != nil {
		return nil, err
	}
	defer arows.Close()

	for arows.Next() {
		var (
			bookingID int64
			p         models.Person
		)
		if err := arows.Scan(&bookingID, &p.Name, &p.Email, &p.TimeZone); err != nil {
			return nil, err
		}
		i := index[bookingID]
		list[i].Attendees = append(list[i].Attendees, p)
	}
	return list, arows.Err()
}
