package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"calendso/internal/google"
	"calendso/internal/models"
	"calendso/internal/slots"

	"github.com/urfave/cli/v2"
	"golang.org/x/oauth2"
)

func authCommand() *cli.Command {
	return &cli.Command{
		Name:  "auth",
		Usage: "Authenticate a user's Google account and store the credential.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Required: true, Usage: "Email of the user the account belongs to."},
		},
		Action: func(c *cli.Context) error {
			e, err := openEnv(c)
			if err != nil {
				return err
			}
			defer e.Close()

			u, err := e.user(c.Context, c.String("user"))
			if err != nil {
				return err
			}

			config, err := e.cfg.GoogleOAuth()
			if err != nil {
				return err
			}
			if config == nil {
				return fmt.Errorf("set GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET or GOOGLE_API_CREDENTIALS")
			}
			e.logger.Info("Starting Google authentication flow.", "user", u.Email)

			authURL := config.AuthCodeURL("state-token", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
			fmt.Printf("Go to the following link in your browser then type the "+
				"authorization code: \n%v\n", authURL)

			fmt.Print("Enter Authorization Code: ")
			reader := bufio.NewReader(os.Stdin)
			authCode, _ := reader.ReadString('\n')
			authCode = strings.TrimSpace(authCode)

			token, err := google.TokenFromWeb(c.Context, config, authCode)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}
			key, err := google.EncodeToken(token)
			if err != nil {
				return err
			}

			cred := &models.Credential{Type: models.CredentialGoogle, Key: key, UserID: u.ID, Owner: u.Person()}
			if err := e.store.CreateCredential(c.Context, cred); err != nil {
				return fmt.Errorf("failed to save credential: %w", err)
			}
			e.logger.Info("Successfully authenticated and saved credential.", "credentialID", cred.ID)

			gc, err := google.NewCalendar(c.Context, e.logger, config, *cred)
			if err != nil {
				return err
			}
			ids, err := gc.DiscoverCalendars(c.Context)
			if err != nil {
				e.logger.Warn("Could not list calendars", "error", err)
				return nil
			}
			fmt.Println("Calendars usable as --conflict-calendar / --add-calendar:")
			for _, id := range ids {
				fmt.Println("  " + id)
			}
			return nil
		},
	}
}

func userCommand() *cli.Command {
	return &cli.Command{
		Name:  "user",
		Usage: "Manage calendar owners.",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Add a user.",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "email", Required: true},
					&cli.StringFlag{Name: "name"},
					&cli.StringFlag{Name: "tz", Value: "UTC", Usage: "IANA time zone of the user's working hours."},
				},
				Action: func(c *cli.Context) error {
					if _, err := time.LoadLocation(c.String("tz")); err != nil {
						return fmt.Errorf("invalid timezone '%s': %w", c.String("tz"), err)
					}
					e, err := openEnv(c)
					if err != nil {
						return err
					}
					defer e.Close()

					u := &models.User{Name: c.String("name"), Email: c.String("email"), TimeZone: c.String("tz")}
					if err := e.store.CreateUser(c.Context, u); err != nil {
						return fmt.Errorf("failed to create user: %w", err)
					}
					e.logger.Info("Created user", "id", u.ID, "email", u.Email)
					return nil
				},
			},
		},
	}
}

func eventTypeCommand() *cli.Command {
	return &cli.Command{
		Name:  "event-type",
		Usage: "Manage event types.",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Add an event type to a user.",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Required: true},
					&cli.StringFlag{Name: "title", Required: true},
					&cli.IntFlag{Name: "length", Value: 30, Usage: "Length in minutes."},
					&cli.StringFlag{Name: "conflict-calendar", Usage: "External calendar id checked for conflicts."},
					&cli.StringFlag{Name: "add-calendar", Usage: "External calendar id new events are written to."},
				},
				Action: func(c *cli.Context) error {
					if c.Int("length") <= 0 {
						return fmt.Errorf("--length must be positive")
					}
					e, err := openEnv(c)
					if err != nil {
						return err
					}
					defer e.Close()

					u, err := e.user(c.Context, c.String("user"))
					if err != nil {
						return err
					}
					et := &models.EventType{
						Title:              c.String("title"),
						Length:             c.Int("length"),
						ConflictCalendarID: c.String("conflict-calendar"),
						AddCalendarID:      c.String("add-calendar"),
					}
					if err := e.store.CreateEventType(c.Context, u.ID, et); err != nil {
						return fmt.Errorf("failed to create event type: %w", err)
					}
					e.logger.Info("Created event type", "id", et.ID, "title", et.Title)
					return nil
				},
			},
		},
	}
}

func credentialCommand() *cli.Command {
	return &cli.Command{
		Name:  "credential",
		Usage: "Manage calendar credentials.",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Store a provider credential for a user.",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "user", Required: true},
					&cli.StringFlag{Name: "type", Required: true, Usage: "google_calendar, office365_calendar or caldav_calendar."},
					&cli.StringFlag{Name: "key", Usage: "Provider key as JSON."},
					&cli.PathFlag{Name: "key-file", Usage: "File holding the provider key JSON."},
				},
				Action: func(c *cli.Context) error {
					key := []byte(c.String("key"))
					if path := c.Path("key-file"); path != "" {
						b, err := os.ReadFile(path)
						if err != nil {
							return fmt.Errorf("unable to read key file: %w", err)
						}
						key = b
					}
					if !json.Valid(key) {
						return &models.ConfigurationError{Field: "key", Err: fmt.Errorf("not valid JSON")}
					}

					e, err := openEnv(c)
					if err != nil {
						return err
					}
					defer e.Close()

					u, err := e.user(c.Context, c.String("user"))
					if err != nil {
						return err
					}
					cred := &models.Credential{Type: models.CredentialType(c.String("type")), Key: key, UserID: u.ID}
					if err := e.store.CreateCredential(c.Context, cred); err != nil {
						return fmt.Errorf("failed to save credential: %w", err)
					}
					e.logger.Info("Saved credential", "id", cred.ID, "type", string(cred.Type))
					return nil
				},
			},
		},
	}
}

func busyCommand() *cli.Command {
	return &cli.Command{
		Name:  "busy",
		Usage: "Print a user's busy intervals across all calendars.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Required: true},
			&cli.TimestampFlag{Name: "from", Layout: time.RFC3339, Required: true},
			&cli.TimestampFlag{Name: "to", Layout: time.RFC3339, Required: true},
			&cli.Int64Flag{Name: "event-type"},
		},
		Action: func(c *cli.Context) error {
			e, err := openEnv(c)
			if err != nil {
				return err
			}
			defer e.Close()

			u, err := e.user(c.Context, c.String("user"))
			if err != nil {
				return err
			}
			et, err := e.eventType(c.Context, c.Int64("event-type"))
			if err != nil {
				return err
			}

			busy, err := e.busyTimes(c, u, *c.Timestamp("from"), *c.Timestamp("to"), et)
			if err != nil {
				return err
			}
			for _, b := range busy {
				fmt.Printf("%s  %s\n", b.Start.Format(time.RFC3339), b.End.Format(time.RFC3339))
			}
			return nil
		},
	}
}

// busyTimes queries every credential of u plus the internal bookings and saves refreshed tokens.
func (e *env) busyTimes(c *cli.Context, u *models.User, from, to time.Time, et *models.EventType) ([]models.BusyInterval, error) {
	creds, err := e.store.FindCredentials(c.Context, u.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load credentials: %w", err)
	}
	creds = append(creds, models.InternalCredential(u.ID, u.Person()))

	res, err := e.aggregator.GetBusyTimes(c.Context, creds, from, to, et)
	if res != nil {
		e.saveRefreshed(c.Context, res.Refreshed...)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get busy times: %w", err)
	}
	return res.Intervals, nil
}

func slotsCommand() *cli.Command {
	return &cli.Command{
		Name:  "slots",
		Usage: "Print candidate start times for a day, optionally excluding a user's busy time.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "date", Required: true, Usage: "Day in the viewer's zone, YYYY-MM-DD."},
			&cli.StringFlag{Name: "tz", Value: "UTC", Usage: "Viewer's time zone."},
			&cli.StringFlag{Name: "calendar-tz", Usage: "Owner's time zone. Defaults to the user's zone."},
			&cli.IntFlag{Name: "length", Usage: "Event length in minutes. Defaults to the event type's length."},
			&cli.StringFlag{Name: "start", Value: "09:00", Usage: "Working day start in the owner's zone."},
			&cli.StringFlag{Name: "end", Value: "17:00", Usage: "Working day end in the owner's zone."},
			&cli.StringFlag{Name: "weekdays", Value: "1,2,3,4,5", Usage: "Allowed weekdays, 0 is Sunday."},
			&cli.StringFlag{Name: "user", Usage: "Exclude this user's busy time."},
			&cli.Int64Flag{Name: "event-type"},
		},
		Action: func(c *cli.Context) error {
			selected, err := time.LoadLocation(c.String("tz"))
			if err != nil {
				return fmt.Errorf("invalid timezone '%s': %w", c.String("tz"), err)
			}
			date, err := time.ParseInLocation(time.DateOnly, c.String("date"), selected)
			if err != nil {
				return fmt.Errorf("invalid date: %w", err)
			}
			dayStart, err := parseClock(c.String("start"))
			if err != nil {
				return err
			}
			dayEnd, err := parseClock(c.String("end"))
			if err != nil {
				return err
			}
			weekdays, err := parseWeekdays(c.String("weekdays"))
			if err != nil {
				return err
			}

			window := slots.Window{
				CalendarTimeZone: c.String("calendar-tz"),
				EventLength:      c.Int("length"),
				SelectedTimeZone: c.String("tz"),
				SelectedDate:     date,
				DayStartTime:     dayStart,
				DayEndTime:       dayEnd,
				Weekdays:         weekdays,
			}

			if c.String("user") == "" {
				if window.CalendarTimeZone == "" {
					window.CalendarTimeZone = window.SelectedTimeZone
				}
				if err := checkLength(window.EventLength); err != nil {
					return err
				}
				printSlots(slots.Generate(window))
				return nil
			}

			e, err := openEnv(c)
			if err != nil {
				return err
			}
			defer e.Close()

			u, err := e.user(c.Context, c.String("user"))
			if err != nil {
				return err
			}
			et, err := e.eventType(c.Context, c.Int64("event-type"))
			if err != nil {
				return err
			}
			if window.CalendarTimeZone == "" {
				window.CalendarTimeZone = u.TimeZone
			}
			if window.EventLength == 0 && et != nil {
				window.EventLength = et.Length
			}
			if err := checkLength(window.EventLength); err != nil {
				return err
			}

			candidates := slots.Generate(window)
			if len(candidates) == 0 {
				return nil
			}
			length := time.Duration(window.EventLength) * time.Minute
			busy, err := e.busyTimes(c, u, date, date.AddDate(0, 0, 1).Add(length), et)
			if err != nil {
				return err
			}
			printSlots(slots.Exclude(candidates, busy, window.EventLength))
			return nil
		},
	}
}

// checkLength rejects a slot length that would otherwise yield an empty grid.
func checkLength(minutes int) error {
	if minutes <= 0 {
		return errors.New("--length is required and must be positive unless --event-type supplies one")
	}
	return nil
}

func printSlots(list []slots.Slot) {
	for _, s := range list {
		fmt.Println(s.Time.Format(time.RFC3339))
	}
}

func bookCommand() *cli.Command {
	return &cli.Command{
		Name:  "book",
		Usage: "Book a slot and mirror it to the user's first external calendar.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Required: true},
			&cli.Int64Flag{Name: "event-type", Required: true},
			&cli.TimestampFlag{Name: "start", Layout: time.RFC3339, Required: true},
			&cli.StringFlag{Name: "name", Usage: "Attendee name."},
			&cli.StringFlag{Name: "email", Required: true, Usage: "Attendee email."},
			&cli.StringFlag{Name: "tz", Value: "UTC", Usage: "Attendee time zone."},
			&cli.StringFlag{Name: "title"},
			&cli.StringFlag{Name: "description"},
			&cli.StringFlag{Name: "location"},
		},
		Action: func(c *cli.Context) error {
			e, err := openEnv(c)
			if err != nil {
				return err
			}
			defer e.Close()

			u, err := e.user(c.Context, c.String("user"))
			if err != nil {
				return err
			}
			et, err := e.eventType(c.Context, c.Int64("event-type"))
			if err != nil {
				return err
			}
			if et == nil {
				return fmt.Errorf("--event-type is required")
			}

			start := *c.Timestamp("start")
			end := start.Add(time.Duration(et.Length) * time.Minute)
			busy, err := e.busyTimes(c, u, start.AddDate(0, 0, -1), end.AddDate(0, 0, 1), et)
			if err != nil {
				return err
			}
			for _, b := range busy {
				if b.Overlaps(start, end) {
					return fmt.Errorf("slot %s is no longer available", start.Format(time.RFC3339))
				}
			}

			title := c.String("title")
			if title == "" {
				title = et.Title
			}
			attendee := models.Person{Name: c.String("name"), Email: c.String("email"), TimeZone: c.String("tz")}
			booking := &models.Booking{
				UserID:      u.ID,
				EventTypeID: &et.ID,
				Title:       title,
				Description: c.String("description"),
				StartTime:   start,
				EndTime:     end,
				Attendees:   []models.Person{attendee},
			}
			if err := e.store.CreateBooking(c.Context, booking); err != nil {
				return fmt.Errorf("failed to create booking: %w", err)
			}

			creds, err := e.store.FindCredentials(c.Context, u.ID)
			if err != nil {
				return fmt.Errorf("failed to load credentials: %w", err)
			}
			event := models.CalendarEvent{
				Type:        et.Title,
				Title:       title,
				StartTime:   start,
				EndTime:     end,
				Description: c.String("description"),
				Location:    c.String("location"),
				Organizer:   u.Person(),
				Attendees:   booking.Attendees,
			}
			res, err := e.aggregator.CreateEvent(c.Context, destination(creds), event, et)
			if res != nil && res.Refreshed != nil {
				e.saveRefreshed(c.Context, *res.Refreshed)
			}
			if err != nil {
				return fmt.Errorf("booking %d saved but calendar event failed: %w", booking.ID, err)
			}

			if uid, ok := res.Record["id"].(string); ok && uid != "" {
				if err := e.store.UpdateBookingUID(c.Context, booking.ID, uid); err != nil {
					return fmt.Errorf("failed to store event id: %w", err)
				}
			}
			e.logger.Info("Booked", "bookingID", booking.ID, "start", start.Format(time.RFC3339))
			return nil
		},
	}
}

func bookingsCommand() *cli.Command {
	return &cli.Command{
		Name:  "bookings",
		Usage: "List a user's bookings.",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Required: true},
		},
		Action: func(c *cli.Context) error {
			e, err := openEnv(c)
			if err != nil {
				return err
			}
			defer e.Close()

			u, err := e.user(c.Context, c.String("user"))
			if err != nil {
				return err
			}
			list, err := e.store.ListBookings(c.Context, u.ID)
			if err != nil {
				return fmt.Errorf("failed to list bookings: %w", err)
			}
			for _, b := range list {
				var who []string
				for _, a := range b.Attendees {
					who = append(who, a.Email)
				}
				fmt.Printf("%d  %s  %s  %s  %s\n", b.ID, b.StartTime.Format(time.RFC3339), b.EndTime.Format(time.RFC3339), b.Title, strings.Join(who, ","))
			}
			return nil
		},
	}
}

func cancelCommand() *cli.Command {
	return &cli.Command{
		Name:  "cancel",
		Usage: "Cancel a booking and delete its calendar event.",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "id", Required: true},
		},
		Action: func(c *cli.Context) error {
			e, err := openEnv(c)
			if err != nil {
				return err
			}
			defer e.Close()

			b, err := e.store.GetBooking(c.Context, c.Int64("id"))
			if err != nil {
				return fmt.Errorf("failed to load booking: %w", err)
			}

			if b.UID != "" {
				creds, err := e.store.FindCredentials(c.Context, b.UserID)
				if err != nil {
					return fmt.Errorf("failed to load credentials: %w", err)
				}
				res, err := e.aggregator.DeleteEvent(c.Context, destination(creds), b.UID, b.EventType)
				if res != nil && res.Refreshed != nil {
					e.saveRefreshed(c.Context, *res.Refreshed)
				}
				if err != nil {
					return fmt.Errorf("failed to delete calendar event: %w", err)
				}
			}

			if err := e.store.DeleteBooking(c.Context, b.ID); err != nil {
				return fmt.Errorf("failed to delete booking: %w", err)
			}
			e.logger.Info("Cancelled booking", "bookingID", b.ID)
			return nil
		},
	}
}

// parseClock turns "HH:MM" into minutes from midnight; "24:00" is the end of the day.
func parseClock(s string) (int, error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	hours, err := strconv.Atoi(h)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", s, err)
	}
	minutes, err := strconv.Atoi(m)
	if err != nil {
		return 0, fmt.Errorf("invalid time %q: %w", s, err)
	}
	total := hours*60 + minutes
	if minutes < 0 || minutes > 59 || total < 0 || total > 24*60 {
		return 0, fmt.Errorf("time %q out of range", s)
	}
	return total, nil
}

func parseWeekdays(s string) ([]time.Weekday, error) {
	var out []time.Weekday
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil || d < 0 || d > 6 {
			return nil, fmt.Errorf("invalid weekday %q, want 0-6", part)
		}
		out = append(out, time.Weekday(d))
	}
	return out, nil
}
