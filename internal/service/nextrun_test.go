package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaydist/relay/internal/models"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	require.NoError(t, err)
	return loc
}

func TestNextRunDaily(t *testing.T) {
	job := &models.CronJob{
		Frequency: models.FrequencyDaily,
		Hour:      9,
		Minute:    30,
		Timezone:  "UTC",
	}

	t.Run("Later Today", func(t *testing.T) {
		after := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
		next, err := NextRun(job, after)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC), next)
	})

	t.Run("Tomorrow When Passed", func(t *testing.T) {
		after := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)
		next, err := NextRun(job, after)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 11, 9, 30, 0, 0, time.UTC), next)
	})

	t.Run("Keeps Local Time Across DST", func(t *testing.T) {
		ny := mustLoc(t, "America/New_York")
		job := &models.CronJob{
			Frequency: models.FrequencyDaily,
			Hour:      9,
			Minute:    0,
			Timezone:  "America/New_York",
		}

		// Spring forward happens overnight on 2026-03-08.
		after := time.Date(2026, 3, 7, 10, 0, 0, 0, ny)
		next, err := NextRun(job, after)
		require.NoError(t, err)

		assert.Equal(t, 9, next.In(ny).Hour())
		assert.Equal(t, time.Date(2026, 3, 8, 9, 0, 0, 0, ny), next)
		// The UTC gap shrinks by the DST hour.
		assert.Equal(t, 23*time.Hour, next.Sub(time.Date(2026, 3, 7, 9, 0, 0, 0, ny)))
	})
}

func TestNextRunWeekly(t *testing.T) {
	job := &models.CronJob{
		Frequency: models.FrequencyWeekly,
		Hour:      7,
		Minute:    15,
		DayOfWeek: 1, // Monday
		Timezone:  "UTC",
	}

	t.Run("Next Occurrence", func(t *testing.T) {
		// 2026-03-11 is a Wednesday.
		after := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)
		next, err := NextRun(job, after)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 16, 7, 15, 0, 0, time.UTC), next)
		assert.Equal(t, time.Monday, next.Weekday())
	})

	t.Run("Same Day Before Fire Time", func(t *testing.T) {
		after := time.Date(2026, 3, 16, 6, 0, 0, 0, time.UTC)
		next, err := NextRun(job, after)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 16, 7, 15, 0, 0, time.UTC), next)
	})

	t.Run("Same Day After Fire Time Skips A Week", func(t *testing.T) {
		after := time.Date(2026, 3, 16, 8, 0, 0, 0, time.UTC)
		next, err := NextRun(job, after)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 23, 7, 15, 0, 0, time.UTC), next)
	})
}

func TestNextRunMonthly(t *testing.T) {
	t.Run("Clamps To Last Day Of Short Month", func(t *testing.T) {
		job := &models.CronJob{
			Frequency:  models.FrequencyMonthly,
			Hour:       0,
			Minute:     0,
			DayOfMonth: 31,
			Timezone:   "UTC",
		}

		after := time.Date(2026, 1, 31, 1, 0, 0, 0, time.UTC)
		next, err := NextRun(job, after)
		require.NoError(t, err)
		// 2026 is not a leap year.
		assert.Equal(t, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC), next)

		next, err = NextRun(job, next)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC), next)
	})

	t.Run("December Rolls Into January", func(t *testing.T) {
		job := &models.CronJob{
			Frequency:  models.FrequencyMonthly,
			Hour:       12,
			Minute:     0,
			DayOfMonth: 15,
			Timezone:   "UTC",
		}

		after := time.Date(2026, 12, 20, 0, 0, 0, 0, time.UTC)
		next, err := NextRun(job, after)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2027, 1, 15, 12, 0, 0, 0, time.UTC), next)
	})
}

func TestNextRunCustom(t *testing.T) {
	job := &models.CronJob{
		Frequency: models.FrequencyCustom,
		CronExpr:  "*/15 * * * *",
		Timezone:  "UTC",
	}

	after := time.Date(2026, 5, 1, 10, 7, 0, 0, time.UTC)
	next, err := NextRun(job, after)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 5, 1, 10, 15, 0, 0, time.UTC), next)
}

func TestValidateTimeConfig(t *testing.T) {
	cases := []struct {
		name string
		job  models.CronJob
		ok   bool
	}{
		{"valid daily", models.CronJob{Frequency: models.FrequencyDaily, Hour: 9, Minute: 0, Timezone: "UTC"}, true},
		{"hour out of range", models.CronJob{Frequency: models.FrequencyDaily, Hour: 24, Timezone: "UTC"}, false},
		{"minute out of range", models.CronJob{Frequency: models.FrequencyDaily, Minute: 60, Timezone: "UTC"}, false},
		{"bad weekday", models.CronJob{Frequency: models.FrequencyWeekly, DayOfWeek: 7, Timezone: "UTC"}, false},
		{"bad day of month", models.CronJob{Frequency: models.FrequencyMonthly, DayOfMonth: 0, Timezone: "UTC"}, false},
		{"custom without expression", models.CronJob{Frequency: models.FrequencyCustom, Timezone: "UTC"}, false},
		{"custom six fields", models.CronJob{Frequency: models.FrequencyCustom, CronExpr: "0 0 * * * *", Timezone: "UTC"}, false},
		{"unknown timezone", models.CronJob{Frequency: models.FrequencyDaily, Timezone: "Mars/Olympus"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateTimeConfig(&tc.job)
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, IsKind(err, KindValidation), "got %v", err)
			}
		})
	}
}
