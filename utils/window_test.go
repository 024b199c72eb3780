package utils

import (
	"testing"
	"time"

	"coldreach/models"

	"github.com/stretchr/testify/assert"
)

func TestIsWindowOpen(t *testing.T) {
	mondayBusiness := &models.SendingWindow{
		Days:     []int{int(time.Monday)},
		Start:    "09:00",
		End:      "17:00",
		Timezone: "UTC",
	}

	// 2024-01-01 is a Monday
	monday := func(h, m int) time.Time { return time.Date(2024, 1, 1, h, m, 0, 0, time.UTC) }

	tests := []struct {
		name   string
		window *models.SendingWindow
		now    time.Time
		want   bool
	}{
		{"nil window is open", nil, monday(3, 0), true},
		{"empty timezone is open", &models.SendingWindow{Days: []int{}}, monday(3, 0), true},
		{"inside hours", mondayBusiness, monday(10, 0), true},
		{"start boundary inclusive", mondayBusiness, monday(9, 0), true},
		{"end boundary inclusive", mondayBusiness, monday(17, 0), true},
		{"after hours", mondayBusiness, monday(17, 1), false},
		{"before hours", mondayBusiness, monday(8, 59), false},
		{"wrong day", mondayBusiness, time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC), false},
		{"unknown timezone fails open", &models.SendingWindow{Days: []int{1}, Start: "09:00", End: "10:00", Timezone: "Mars/Olympus"}, monday(23, 0), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsWindowOpen(tt.window, tt.now))
		})
	}
}

func TestIsWindowOpenConvertsTimezone(t *testing.T) {
	w := &models.SendingWindow{
		Days:     []int{int(time.Monday)},
		Start:    "09:00",
		End:      "17:00",
		Timezone: "America/New_York",
	}

	// 14:00 UTC Monday is 09:00 in New York (EST)
	assert.True(t, IsWindowOpen(w, time.Date(2024, 1, 1, 14, 0, 0, 0, time.UTC)))
	// 10:00 UTC Monday is 05:00 in New York
	assert.False(t, IsWindowOpen(w, time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)))
}
