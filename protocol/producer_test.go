package protocol

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRankCandidates(t *testing.T) {
	candidate := func(id MapID, fz ...float64) *CandidateResult {
		r := &CandidateResult{Candidate: &CandidateDescriptor{Map: MapRef{ID: id}}}
		for i, v := range fz {
			r.Aggregates = append(r.Aggregates, &DecryptedAggregate{
				Coordinate: Coordinate{int64(i), 0},
				Values:     map[string]ParamResult{"fz": {Sum: v, Count: 1, Average: v}},
			})
		}
		return r
	}

	ranked := RankCandidates([]*CandidateResult{
		candidate("far", 0.9, 1.1),
		candidate("close", 0.18, 0.22, 0.5),
		{Candidate: &CandidateDescriptor{Map: MapRef{ID: "empty"}}},
	}, map[string]float64{"fz": 0.25})

	require.Len(t, ranked, 3)
	require.Equal(t, MapID("close"), ranked[0].Map.ID)
	require.Equal(t, MapID("far"), ranked[1].Map.ID)
	require.Equal(t, MapID("empty"), ranked[2].Map.ID)

	require.InDelta(t, 0.3, ranked[0].Means["fz"], 1e-9)
	require.InDelta(t, 0.22, ranked[0].Medians["fz"], 1e-9)
	require.True(t, math.IsInf(ranked[2].Distance, 1))
}
