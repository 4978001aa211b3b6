// Package ics renders normalized events as an iCalendar document.
package ics

import (
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	"calfeed/internal/model"
)

// ProductID names this service in PRODID.
const ProductID = "calfeed"

// Meta is the calendar-level metadata of one feed.
type Meta struct {
	Title       string
	Description string
	// Timezone is the IANA name advertised to clients. Event times are
	// always written in UTC.
	Timezone string
	// RefreshInterval becomes REFRESH-INTERVAL and X-PUBLISHED-TTL when
	// positive.
	RefreshInterval time.Duration
}

// Build creates the calendar for events, one VEVENT per event in input order.
// stamp is used as DTSTAMP for every entry.
func Build(meta Meta, events []model.Event, stamp time.Time) *ical.Calendar {
	cal := ical.NewCalendarFor(ProductID)
	cal.SetMethod(ical.MethodPublish)

	if meta.Title != "" {
		cal.SetName(meta.Title)
		cal.SetXWRCalName(meta.Title)
	}
	if meta.Description != "" {
		cal.SetDescription(meta.Description)
		cal.SetXWRCalDesc(meta.Description)
	}
	if meta.Timezone != "" {
		cal.SetTimezoneId(meta.Timezone)
		cal.SetXWRTimezone(meta.Timezone)
	}
	if meta.RefreshInterval > 0 {
		d := Duration(meta.RefreshInterval)
		cal.SetRefreshInterval(d)
		cal.SetXPublishedTTL(d)
	}

	stamp = stamp.UTC()
	for _, ev := range events {
		ve := cal.AddEvent(ev.ID)
		ve.SetDtStampTime(stamp)
		ve.SetSummary(ev.Title)
		if ev.Description != "" {
			ve.SetDescription(ev.Description)
		}
		ve.SetStartAt(ev.StartsAt.UTC())
		ve.SetEndAt(ev.EndsAt.UTC())
		if ev.Location != "" {
			ve.SetLocation(ev.Location)
		}
		if ev.URL != "" {
			ve.SetURL(ev.URL)
		}
		if ev.Tentative {
			ve.SetStatus(ical.ObjectStatusTentative)
		}
	}
	return cal
}

// Render is Build followed by serialization.
func Render(meta Meta, events []model.Event, stamp time.Time) string {
	return Build(meta, events, stamp).Serialize()
}

// Duration formats d as an RFC 5545 duration, e.g. PT15M or P1DT2H.
// Sub-second precision is dropped.
func Duration(d time.Duration) string {
	if d < time.Second {
		return "PT0S"
	}
	secs := int64(d / time.Second)
	days := secs / 86400
	secs %= 86400
	h, m, s := secs/3600, secs%3600/60, secs%60

	var b strings.Builder
	b.WriteString("P")
	if days > 0 {
		fmt.Fprintf(&b, "%dD", days)
	}
	if h > 0 || m > 0 || s > 0 {
		b.WriteString("T")
		if h > 0 {
			fmt.Fprintf(&b, "%dH", h)
		}
		if m > 0 {
			fmt.Fprintf(&b, "%dM", m)
		}
		if s > 0 {
			fmt.Fprintf(&b, "%dS", s)
		}
	}
	return b.String()
}
