// Package transform derives alcohol events and weekly aggregates from
// validated records.
package transform

import (
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/JonMunkholm/healthdata/internal/models"
)

// DefaultDrinkCategory is the event name that marks alcohol entries.
const DefaultDrinkCategory = "飲み物"

// quantityPattern matches a leading integer or decimal, including a bare
// leading point such as ".5".
var quantityPattern = regexp.MustCompile(`^\s*(\d*\.?\d+)`)

// Options configures the transform.
type Options struct {
	DrinkCategory string
	WeekStart     time.Weekday
}

// Result is the derived collections for one run.
type Result struct {
	AlcoholEvents []models.AlcoholEvent
	Weekly        []models.WeeklyAggregate
}

// Quantity returns the leading numeric token of comment, or 1 when there is none.
func Quantity(comment string) float64 {
	m := quantityPattern.FindStringSubmatch(comment)
	if m == nil {
		return 1
	}
	q, err := strconv.ParseFloat(m[1], 64)
	if err != nil || q < 0 {
		return 1
	}
	return q
}

// WeekStart returns the first day of the week containing d.
func WeekStart(d models.Date, start time.Weekday) models.Date {
	back := (int(d.Weekday()) - int(start) + 7) % 7
	return d.AddDays(-back)
}

// Transform filters drink rows and aggregates them by week. Malformed rows
// carry no effective date and are skipped. AlcoholEvent.RawIndex points at
// the owning record in records.
func Transform(records []models.RawEvent, opts Options) Result {
	category := opts.DrinkCategory
	if category == "" {
		category = DefaultDrinkCategory
	}

	var res Result
	for i, rec := range records {
		if rec.EventName != category || rec.Malformed || rec.EffectiveDate == nil {
			continue
		}
		res.AlcoholEvents = append(res.AlcoholEvents, models.AlcoholEvent{
			RawIndex:      i,
			EffectiveDate: *rec.EffectiveDate,
			DrinkCount:    Quantity(rec.CommentText()),
			Comments:      rec.Comments,
		})
	}

	res.Weekly = Aggregate(res.AlcoholEvents, opts.WeekStart)
	return res
}

// Aggregate sums drink counts per week, sorted by week start.
func Aggregate(events []models.AlcoholEvent, start time.Weekday) []models.WeeklyAggregate {
	byWeek := make(map[string]*models.WeeklyAggregate)
	for _, ev := range events {
		ws := WeekStart(ev.EffectiveDate, start)
		agg, ok := byWeek[ws.String()]
		if !ok {
			agg = &models.WeeklyAggregate{WeekStartDate: ws, WeekEndDate: ws.AddDays(6)}
			byWeek[ws.String()] = agg
		}
		agg.TotalDrinks += ev.DrinkCount
		agg.EventCount++
	}

	out := make([]models.WeeklyAggregate, 0, len(byWeek))
	for _, agg := range byWeek {
		out = append(out, *agg)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].WeekStartDate.Before(out[b].WeekStartDate) })
	return out
}
