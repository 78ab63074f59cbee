package main

import (
	"testing"
	"time"

	"calendso/internal/models"
)

func TestParseClock(t *testing.T) {
	cases := map[string]int{"09:00": 540, "00:00": 0, "17:30": 1050, "24:00": 1440}
	for in, want := range cases {
		got, err := parseClock(in)
		if err != nil || got != want {
			t.Errorf("parseClock(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	for _, bad := range []string{"9", "25:00", "10:75", "ab:cd"} {
		if _, err := parseClock(bad); err == nil {
			t.Errorf("parseClock(%q) should fail", bad)
		}
	}
}

func TestParseWeekdays(t *testing.T) {
	got, err := parseWeekdays("1, 2,5")
	if err != nil {
		t.Fatalf("parseWeekdays: %v", err)
	}
	want := []time.Weekday{time.Monday, time.Tuesday, time.Friday}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if _, err := parseWeekdays("7"); err == nil {
		t.Fatal("weekday 7 should fail")
	}
}

func TestDestination(t *testing.T) {
	if destination(nil) != nil {
		t.Fatal("no credentials means no destination")
	}
	creds := []models.Credential{
		models.InternalCredential(1, models.Person{}),
		{ID: 7, Type: models.CredentialOffice365},
		{ID: 8, Type: models.CredentialGoogle},
	}
	if d := destination(creds); d == nil || d.ID != 7 {
		t.Fatalf("expected first external credential, got %+v", d)
	}
}

func TestCheckLength(t *testing.T) {
	if err := checkLength(30); err != nil {
		t.Fatalf("30 minutes should pass: %v", err)
	}
	for _, bad := range []int{0, -15} {
		if err := checkLength(bad); err == nil {
			t.Errorf("length %d should fail", bad)
		}
	}
}
