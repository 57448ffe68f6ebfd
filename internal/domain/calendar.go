package domain

import (
	"fmt"
	"time"
)

const (
	// CanonicalHour — час, к которому приводится любая дата дня.
	CanonicalHour = 3
	// EditableDays — длина окна редактирования начиная с сегодняшнего дня.
	EditableDays = 14

	dayKeyLayout = "2006-01-02"
)

// Calendar инкапсулирует опорный часовой пояс и источник текущего времени.
type Calendar struct {
	loc *time.Location
	now func() time.Time
}

// NewCalendar создаёт календарь. nil-значения заменяются на UTC и time.Now.
func NewCalendar(loc *time.Location, now func() time.Time) Calendar {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return Calendar{loc: loc, now: now}
}

// Location возвращает опорный часовой пояс.
func (c Calendar) Location() *time.Location {
	return c.location()
}

// Now возвращает текущее время в опорном поясе.
func (c Calendar) Now() time.Time {
	if c.now == nil {
		return time.Now().In(c.location())
	}
	return c.now().In(c.location())
}

// Canonical приводит дату к ключу дня: тот же календарный день, 03:00:00.000.
// Нулевое время означает "сейчас".
func (c Calendar) Canonical(t time.Time) time.Time {
	if t.IsZero() {
		t = c.Now()
	}
	t = t.In(c.location())
	return time.Date(t.Year(), t.Month(), t.Day(), CanonicalHour, 0, 0, 0, c.location())
}

// StartOfToday возвращает начало текущих суток.
func (c Calendar) StartOfToday() time.Time {
	now := c.Now()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, c.location())
}

// Editable сообщает, можно ли создавать и менять заказы на дату t.
// Окно: [начало сегодняшнего дня; +EditableDays дней). По воскресеньям заказы закрыты целиком.
func (c Calendar) Editable(t time.Time) bool {
	if c.Now().Weekday() == time.Sunday {
		return false
	}
	start := c.StartOfToday()
	end := start.AddDate(0, 0, EditableDays)
	return !t.Before(start) && t.Before(end)
}

// DayKey форматирует дату как YYYY-MM-DD в опорном поясе.
func (c Calendar) DayKey(t time.Time) string {
	return c.Canonical(t).Format(dayKeyLayout)
}

// ParseDay разбирает YYYY-MM-DD (полночь в опорном поясе) или RFC3339.
func (c Calendar) ParseDay(value string) (time.Time, error) {
	if t, err := time.ParseInLocation(dayKeyLayout, value, c.location()); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: expected YYYY-MM-DD or RFC3339", value)
	}
	return t.In(c.location()), nil
}

func (c Calendar) location() *time.Location {
	if c.loc == nil {
		return time.UTC
	}
	return c.loc
}
