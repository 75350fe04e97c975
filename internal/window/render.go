package window

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Templates are plain placeholder substitution. Values are formatted before
// replacement; template text is never evaluated.
const (
	defaultOpenText = "Meal registration is open until {end_time}.\n" +
		"React to sign up:\n{meal_lines}"
	defaultSummaryText = "Registration for {date} is closed.\n{summary_lines}"
)

func renderOpen(d Def, endAt time.Time) string {
	tmpl := d.OpenText
	if tmpl == "" {
		tmpl = defaultOpenText
	}
	var lines []string
	for _, m := range d.Meals {
		lines = append(lines, fmt.Sprintf("%s %s", m.Emoji, m.Name))
	}
	r := strings.NewReplacer(
		"{end_time}", endAt.Format("Mon 15:04"),
		"{date}", endAt.Format("2006-01-02"),
		"{kind}", d.Kind,
		"{meal_lines}", strings.Join(lines, "\n"),
	)
	return r.Replace(tmpl)
}

// mealSummary is the aggregated close-time result for one meal.
type mealSummary struct {
	Meal   Meal
	In     []int64
	Absent []int64
}

func renderSummary(d Def, day time.Time, sums []mealSummary) string {
	tmpl := d.SummaryText
	if tmpl == "" {
		tmpl = defaultSummaryText
	}
	var lines []string
	for _, s := range sums {
		lines = append(lines, fmt.Sprintf("%s %s: %d in (%s), %d out",
			s.Meal.Emoji, s.Meal.Name, len(s.In), joinIDs(s.In), len(s.Absent)))
	}
	r := strings.NewReplacer(
		"{date}", day.Format("2006-01-02"),
		"{kind}", d.Kind,
		"{summary_lines}", strings.Join(lines, "\n"),
	)
	return r.Replace(tmpl)
}

func joinIDs(ids []int64) string {
	if len(ids) == 0 {
		return "nobody"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ", ")
}
