package protocol

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReverseQueryFilterValidate(t *testing.T) {
	diameter := 10.0
	negative := -1.0
	for _, tc := range []struct {
		name   string
		filter ReverseQueryFilter
		ok     bool
	}{
		{"material", ReverseQueryFilter{Material: "steel"}, true},
		{"tool type only", ReverseQueryFilter{ToolType: "drill", ToolDiameter: &diameter}, true},
		{"empty", ReverseQueryFilter{}, false},
		{"blank", ReverseQueryFilter{Machine: "  "}, false},
		{"diameter only", ReverseQueryFilter{ToolDiameter: &diameter}, false},
		{"too long", ReverseQueryFilter{Material: strings.Repeat("x", 200)}, false},
		{"limit", ReverseQueryFilter{Material: "steel", Limit: 11}, false},
		{"negative limit", ReverseQueryFilter{Material: "steel", Limit: -1}, false},
		{"negative diameter", ReverseQueryFilter{Material: "steel", ToolDiameter: &negative}, false},
		{"negative tolerance", ReverseQueryFilter{Material: "steel", DiameterTolerance: -1}, false},
	} {
		err := tc.filter.Validate(10)
		if tc.ok {
			require.NoError(t, err, tc.name)
		} else {
			require.ErrorIs(t, err, ErrBadFilter, tc.name)
		}
	}
}

func TestReverseQueryFilterMatches(t *testing.T) {
	info := &MapInfo{
		ID:        "a",
		Label:     steelLabel,
		Tool:      endMill,
		CreatedAt: time.Now(),
	}
	diameter := 10.2
	for _, tc := range []struct {
		name   string
		filter ReverseQueryFilter
		want   bool
	}{
		{"substring", ReverseQueryFilter{Material: "STEEL"}, true},
		{"machine and tool", ReverseQueryFilter{Machine: "dmu", Tool: "10mm"}, true},
		{"mismatch", ReverseQueryFilter{Material: "aluminium"}, false},
		{"tool type", ReverseQueryFilter{ToolType: "end"}, true},
		{"excluded", ReverseQueryFilter{Material: "steel", ExcludedTools: []string{"End Mill 10mm"}}, false},
		{"excluded other", ReverseQueryFilter{Material: "steel", ExcludedTools: []string{"drill"}}, true},
		{"diameter within", ReverseQueryFilter{Material: "steel", ToolDiameter: &diameter, DiameterTolerance: 0.5}, true},
		{"diameter outside", ReverseQueryFilter{Material: "steel", ToolDiameter: &diameter}, false},
	} {
		require.Equal(t, tc.want, tc.filter.Matches(info), tc.name)
	}
}

func TestEffectiveLimit(t *testing.T) {
	require.Equal(t, 50, (&ReverseQueryFilter{}).EffectiveLimit(50))
	require.Equal(t, 3, (&ReverseQueryFilter{Limit: 3}).EffectiveLimit(50))
}
