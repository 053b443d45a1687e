package habit

import (
	"sort"
	"time"
)

// Streak counts consecutive calendar days with at least one punch, ending
// today or yesterday. Multiple punches on one day count once; a single
// missed day beyond the one-day grace window resets the streak to zero.
func Streak(punches []time.Time, today time.Time) int {
	if len(punches) == 0 {
		return 0
	}

	seen := make(map[time.Time]struct{}, len(punches))
	days := make([]time.Time, 0, len(punches))
	for _, p := range punches {
		day := dayOf(p)
		if _, ok := seen[day]; ok {
			continue
		}
		seen[day] = struct{}{}
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].After(days[j]) })

	latest := days[0]
	current := dayOf(today)
	yesterday := current.AddDate(0, 0, -1)
	if !latest.Equal(current) && !latest.Equal(yesterday) {
		return 0
	}

	streak := 1
	for i := 1; i < len(days); i++ {
		if days[i].Equal(days[i-1].AddDate(0, 0, -1)) {
			streak++
			continue
		}
		break
	}
	return streak
}

func dayOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
