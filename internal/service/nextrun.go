package service

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/relaydist/relay/internal/models"
)

// cronParser accepts the standard 5-field expression. Expressions are
// evaluated in the job's timezone, never as a UTC offset.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ValidateTimeConfig rejects a job definition before any mutation when
// its time configuration cannot produce a next run.
func ValidateTimeConfig(job *models.CronJob) error {
	if _, err := time.LoadLocation(job.Timezone); err != nil {
		return validationErr("unknown timezone %q", job.Timezone)
	}

	switch job.Frequency {
	case models.FrequencyDaily, models.FrequencyWeekly, models.FrequencyMonthly:
		if job.Hour < 0 || job.Hour > 23 {
			return validationErr("hour %d out of range", job.Hour)
		}
		if job.Minute < 0 || job.Minute > 59 {
			return validationErr("minute %d out of range", job.Minute)
		}
	}

	switch job.Frequency {
	case models.FrequencyDaily:
	case models.FrequencyWeekly:
		if job.DayOfWeek < 0 || job.DayOfWeek > 6 {
			return validationErr("day of week %d out of range", job.DayOfWeek)
		}
	case models.FrequencyMonthly:
		if job.DayOfMonth < 1 || job.DayOfMonth > 31 {
			return validationErr("day of month %d out of range", job.DayOfMonth)
		}
	case models.FrequencyCustom:
		if job.CronExpr == "" {
			return validationErr("CUSTOM frequency requires a cron expression")
		}
		if _, err := cronParser.Parse(job.CronExpr); err != nil {
			return validationErr("invalid cron expression %q: %v", job.CronExpr, err)
		}
	default:
		return validationErr("unknown frequency %q", job.Frequency)
	}
	return nil
}

// NextRun computes the earliest fire time strictly after `after` whose
// wall clock in the job's timezone matches the configured schedule. All
// arithmetic goes through time.Date in the job's location, so DST
// transitions keep the intended local time.
func NextRun(job *models.CronJob, after time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(job.Timezone)
	if err != nil {
		return time.Time{}, validationErr("unknown timezone %q", job.Timezone)
	}
	local := after.In(loc)

	switch job.Frequency {
	case models.FrequencyDaily:
		return nextDaily(local, job.Hour, job.Minute, loc, after), nil

	case models.FrequencyWeekly:
		candidate := atTime(local, job.Hour, job.Minute, loc)
		for i := 0; i < 8; i++ {
			if int(candidate.Weekday()) == job.DayOfWeek && candidate.After(after) {
				return candidate, nil
			}
			candidate = addDays(candidate, 1, job.Hour, job.Minute, loc)
		}
		return time.Time{}, validationErr("no weekly occurrence found for day %d", job.DayOfWeek)

	case models.FrequencyMonthly:
		year, month := local.Year(), local.Month()
		for i := 0; i < 14; i++ {
			day := clampDay(year, month, job.DayOfMonth)
			candidate := time.Date(year, month, day, job.Hour, job.Minute, 0, 0, loc)
			if candidate.After(after) {
				return candidate, nil
			}
			month++
			if month > time.December {
				month = time.January
				year++
			}
		}
		return time.Time{}, validationErr("no monthly occurrence found for day %d", job.DayOfMonth)

	case models.FrequencyCustom:
		sched, err := cronParser.Parse(job.CronExpr)
		if err != nil {
			return time.Time{}, validationErr("invalid cron expression %q: %v", job.CronExpr, err)
		}
		return sched.Next(local), nil
	}

	return time.Time{}, validationErr("unknown frequency %q", job.Frequency)
}

func nextDaily(local time.Time, hour, minute int, loc *time.Location, after time.Time) time.Time {
	candidate := atTime(local, hour, minute, loc)
	if candidate.After(after) {
		return candidate
	}
	return addDays(candidate, 1, hour, minute, loc)
}

func atTime(t time.Time, hour, minute int, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), hour, minute, 0, 0, loc)
}

// addDays advances by calendar days and re-pins the wall clock, so a DST
// shift in between does not move the local fire time.
func addDays(t time.Time, days, hour, minute int, loc *time.Location) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+days, hour, minute, 0, 0, loc)
}

// clampDay maps day-of-month 31 onto the last day of shorter months.
func clampDay(year int, month time.Month, day int) int {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		return last
	}
	return day
}
