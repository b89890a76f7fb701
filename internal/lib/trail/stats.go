package trail

import "github.com/dpup/trailblog/server/internal/lib/geo"

// Statistics summarizes a trail collection
type Statistics struct {
	TotalTrails   int                `json:"totalTrails"`
	HikedTrails   int                `json:"hikedTrails"`
	UnhikedTrails int                `json:"unhikedTrails"`
	TotalMiles    float64            `json:"totalMiles"` // hiked miles, rounded to 0.1
	TotalImages   int                `json:"totalImages"`
	Difficulties  map[Difficulty]int `json:"difficulties"`
}

// ComputeStatistics aggregates counts and hiked miles. Only hiked trails
// contribute miles; every trail contributes its images.
func ComputeStatistics(trails []Trail) Statistics {
	stats := Statistics{
		TotalTrails:  len(trails),
		Difficulties: make(map[Difficulty]int, len(Difficulties)),
	}
	for _, d := range Difficulties {
		stats.Difficulties[d] = 0
	}

	miles := 0.0
	for _, t := range trails {
		if t.Status == Hiked {
			stats.HikedTrails++
			miles += t.Length
		}
		stats.TotalImages += len(t.Images)
		stats.Difficulties[t.Difficulty]++
	}

	stats.UnhikedTrails = stats.TotalTrails - stats.HikedTrails
	stats.TotalMiles = geo.Round1(miles)
	return stats
}
