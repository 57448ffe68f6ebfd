package domain

import (
	"testing"
	"time"
)

// 2024-01-10 — среда.
func wednesdayCalendar() Calendar {
	now := time.Date(2024, time.January, 10, 15, 30, 0, 0, time.UTC)
	return NewCalendar(time.UTC, func() time.Time { return now })
}

func TestCalendar_Canonical(t *testing.T) {
	cal := wednesdayCalendar()

	late := cal.Canonical(time.Date(2024, time.January, 10, 23, 59, 0, 0, time.UTC))
	early := cal.Canonical(time.Date(2024, time.January, 10, 0, 0, 1, 0, time.UTC))

	if !late.Equal(early) {
		t.Fatalf("expected same canonical day, got %s and %s", late, early)
	}
	want := time.Date(2024, time.January, 10, CanonicalHour, 0, 0, 0, time.UTC)
	if !late.Equal(want) {
		t.Fatalf("expected %s, got %s", want, late)
	}
}

func TestCalendar_CanonicalZeroIsToday(t *testing.T) {
	cal := wednesdayCalendar()

	got := cal.Canonical(time.Time{})
	want := time.Date(2024, time.January, 10, CanonicalHour, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestCalendar_CanonicalUsesReferenceZone(t *testing.T) {
	minsk := time.FixedZone("UTC+3", 3*60*60)
	cal := NewCalendar(minsk, nil)

	// 22:30 UTC 9 января — уже 10 января по опорному поясу.
	got := cal.Canonical(time.Date(2024, time.January, 9, 22, 30, 0, 0, time.UTC))
	want := time.Date(2024, time.January, 10, CanonicalHour, 0, 0, 0, minsk)
	if !got.Equal(want) {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestCalendar_Editable(t *testing.T) {
	cal := wednesdayCalendar()
	start := time.Date(2024, time.January, 10, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		date time.Time
		want bool
	}{
		{"start of today", start, true},
		{"later today", start.Add(20 * time.Hour), true},
		{"yesterday", start.Add(-time.Second), false},
		{"last editable day", start.AddDate(0, 0, EditableDays-1), true},
		{"horizon is exclusive", start.AddDate(0, 0, EditableDays), false},
		{"far future", start.AddDate(0, 1, 0), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cal.Editable(tt.date); got != tt.want {
				t.Errorf("Editable(%s) = %v, want %v", tt.date, got, tt.want)
			}
		})
	}
}

func TestCalendar_EditableClosedOnSunday(t *testing.T) {
	sunday := time.Date(2024, time.January, 14, 10, 0, 0, 0, time.UTC)
	cal := NewCalendar(time.UTC, func() time.Time { return sunday })

	if cal.Editable(sunday.AddDate(0, 0, 1)) {
		t.Fatal("ordering must be disabled on Sundays")
	}
}

func TestCalendar_ParseDay(t *testing.T) {
	cal := wednesdayCalendar()

	got, err := cal.ParseDay("2024-01-12")
	if err != nil {
		t.Fatalf("parse day: %v", err)
	}
	if !got.Equal(time.Date(2024, time.January, 12, 0, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected day: %s", got)
	}

	got, err = cal.ParseDay("2024-01-12T10:00:00Z")
	if err != nil {
		t.Fatalf("parse rfc3339: %v", err)
	}
	if cal.DayKey(got) != "2024-01-12" {
		t.Fatalf("unexpected day key: %s", cal.DayKey(got))
	}

	if _, err := cal.ParseDay("12.01.2024"); err == nil {
		t.Fatal("expected parse error")
	}
}
