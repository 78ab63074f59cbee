package slots

import (
	"time"

	"calendso/internal/models"
)

// Exclude drops slots whose [start, start+length) overlaps any busy interval.
func Exclude(candidates []Slot, busy []models.BusyInterval, length int) []Slot {
	if len(busy) == 0 {
		return candidates
	}
	d := time.Duration(length) * time.Minute

	out := make([]Slot, 0, len(candidates))
	for _, s := range candidates {
		free := true
		for _, b := range busy {
			if b.Overlaps(s.Time, s.Time.Add(d)) {
				free = false
				break
			}
		}
		if free {
			out = append(out, s)
		}
	}
	return out
}
