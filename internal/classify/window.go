package classify

import "time"

// Window is a time range the user referred to.
type Window string

const (
	WindowNone     Window = ""
	WindowToday    Window = "today"
	WindowTomorrow Window = "tomorrow"
	WindowWeekend  Window = "weekend"
	WindowWeek     Window = "week"
)

var (
	todayPhrases    = []string{"today", "tonight", "this evening", "this afternoon", "hoy", "esta noche", "esta tarde", "esta manana", "ahora"}
	tomorrowPhrases = []string{"tomorrow", "manana", "pasado manana"}
	weekendPhrases  = []string{"weekend", "this weekend", "finde", "fin de semana", "saturday", "sunday", "sabado", "domingo"}
	weekPhrases     = []string{"this week", "esta semana", "next few days", "proximos dias"}
)

// TimeWindow extracts the first matching time reference from msg.
// "esta mañana" is checked before "mañana" so it resolves to today.
func TimeWindow(msg string) Window {
	normalized := Normalize(msg)
	switch {
	case containsAny(normalized, todayPhrases):
		return WindowToday
	case containsAny(normalized, tomorrowPhrases):
		return WindowTomorrow
	case containsAny(normalized, weekendPhrases):
		return WindowWeekend
	case containsAny(normalized, weekPhrases):
		return WindowWeek
	default:
		return WindowNone
	}
}

// DateRange returns the inclusive YYYY-MM-DD bounds of w relative to now
// (already in the catalog's time zone). ok is false for WindowNone.
func (w Window) DateRange(now time.Time) (from, to string, ok bool) {
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	const layout = "2006-01-02"
	switch w {
	case WindowToday:
		return day.Format(layout), day.Format(layout), true
	case WindowTomorrow:
		next := day.AddDate(0, 0, 1)
		return next.Format(layout), next.Format(layout), true
	case WindowWeekend:
		start, end := weekendBounds(day)
		return start.Format(layout), end.Format(layout), true
	case WindowWeek:
		return day.Format(layout), day.AddDate(0, 0, 6).Format(layout), true
	default:
		return "", "", false
	}
}

// weekendBounds returns Friday..Sunday when today is Friday, the rest of the
// weekend when today is Saturday or Sunday, and the coming Saturday..Sunday otherwise.
func weekendBounds(day time.Time) (time.Time, time.Time) {
	switch day.Weekday() {
	case time.Friday:
		return day, day.AddDate(0, 0, 2)
	case time.Saturday:
		return day, day.AddDate(0, 0, 1)
	case time.Sunday:
		return day, day
	default:
		untilSaturday := int(time.Saturday - day.Weekday())
		sat := day.AddDate(0, 0, untilSaturday)
		return sat, sat.AddDate(0, 0, 1)
	}
}
