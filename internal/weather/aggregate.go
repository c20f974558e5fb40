package weather

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/i474232898/agroweather/internal/common"
)

// GroupHourlyByDay buckets hourly observations into one history document per
// UTC day, ordered by day.
func GroupHourlyByDay(loc CachedLocation, obs []Observation, source string, fetchedAt time.Time) []HourlyHistory {
	byDay := make(map[time.Time][]Observation)
	for _, o := range obs {
		day := common.DayStart(o.Timestamp)
		byDay[day] = append(byDay[day], o)
	}

	days := make([]time.Time, 0, len(byDay))
	for d := range byDay {
		days = append(days, d)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })

	docs := make([]HourlyHistory, 0, len(days))
	for _, d := range days {
		docs = append(docs, HourlyHistory{
			ID:           uuid.NewString(),
			LocationID:   loc.ID,
			Location:     loc.Location,
			Date:         d,
			Observations: byDay[d],
			Source:       source,
			FetchedAt:    fetchedAt,
		})
	}
	return docs
}

// SelectObservations keeps observations within [from, to] and projects their
// values onto the requested variables, sorted ascending. Variables absent
// from an observation are reported as nil.
func SelectObservations(obs []Observation, from, to time.Time, variables []string) []Observation {
	out := make([]Observation, 0, len(obs))
	for _, o := range obs {
		if o.Timestamp.Before(from) || o.Timestamp.After(to) {
			continue
		}
		values := make(map[string]*float64, len(variables))
		for _, v := range variables {
			values[v] = o.Values[v]
		}
		out = append(out, Observation{Timestamp: o.Timestamp, Values: values})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
