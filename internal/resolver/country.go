package resolver

import (
	"math"
	"sort"

	"github.com/oilwatch/refinery-intel/internal/domain"
)

// CountryDistribution derives a record's country attribution from its asset
// matches: the normalized histogram of match countries, rounded to 2
// decimals, sorted by probability descending (ties by country name) so the
// dominant country is always the first entry.
func CountryDistribution(registry AssetRegistry, matches []domain.RefMatch) []domain.CountryMatch {
	if len(matches) == 0 {
		return nil
	}

	ids := make([]int64, len(matches))
	for i, m := range matches {
		ids[i] = m.AssetID
	}

	countries := registry.Countries(ids)
	if len(countries) == 0 {
		return nil
	}

	counts := make(map[string]int, len(countries))
	for _, c := range countries {
		counts[c]++
	}

	total := float64(len(countries))

	out := make([]domain.CountryMatch, 0, len(counts))
	for country, n := range counts {
		out = append(out, domain.CountryMatch{
			Country: country,
			P:       math.Round(float64(n)/total*100) / 100,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].P != out[j].P {
			return out[i].P > out[j].P
		}

		return out[i].Country < out[j].Country
	})

	return out
}
