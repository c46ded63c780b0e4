package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser — парсер cron-выражений (минутная гранулярность).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// CalculateNextDue вычисляет следующее срабатывание записи.
// Для интервалов просто добавляет Interval к текущему времени.
// Учитывает timezone записи.
func CalculateNextDue(e *Entry, from time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		// Fallback на UTC если timezone невалидный
		loc = time.UTC
	}

	fromInTz := from.In(loc)

	if e.IsCron() {
		return calculateNextCron(e.CronExpr, fromInTz)
	}

	if e.IsInterval() {
		return fromInTz.Add(e.Interval).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("entry %q has neither cron_expr nor interval", e.Name)
}

// calculateNextCron вычисляет следующее время по cron-выражению.
func calculateNextCron(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}

	return schedule.Next(from).UTC(), nil
}

// ValidateCronExpr проверяет валидность cron-выражения.
func ValidateCronExpr(cronExpr string) error {
	_, err := cronParser.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}
	return nil
}
