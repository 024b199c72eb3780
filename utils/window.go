package utils

import (
	"time"

	"coldreach/models"

	"github.com/sirupsen/logrus"
)

// IsWindowOpen reports whether now falls inside the sending window.
// A nil window, or one without a timezone, is always open. An unknown
// timezone also fails open so a typo never silently stalls a campaign.
func IsWindowOpen(w *models.SendingWindow, now time.Time) bool {
	if w == nil || w.Timezone == "" {
		return true
	}

	loc, err := time.LoadLocation(w.Timezone)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"timezone": w.Timezone,
			"error":    err.Error(),
		}).Warn("Unknown sending window timezone, treating window as open")
		return true
	}

	local := now.In(loc)

	dayAllowed := false
	for _, d := range w.Days {
		if time.Weekday(d) == local.Weekday() {
			dayAllowed = true
			break
		}
	}
	if !dayAllowed {
		return false
	}

	start, okStart := parseClock(w.Start)
	end, okEnd := parseClock(w.End)
	if !okStart || !okEnd {
		logrus.WithFields(logrus.Fields{
			"start": w.Start,
			"end":   w.End,
		}).Warn("Malformed sending window hours, treating window as open")
		return true
	}

	current := local.Hour()*60 + local.Minute()
	return current >= start && current <= end
}

// parseClock converts "HH:MM" to minutes after midnight.
func parseClock(s string) (int, bool) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, false
	}
	return t.Hour()*60 + t.Minute(), true
}
