package protocol

import (
	"math"
	"strings"
)

// ReverseQueryFilter matches maps on non-confidential attributes only. Text
// fields match case-insensitively as substrings.
type ReverseQueryFilter struct {
	Machine  string `json:"machine,omitempty"`
	Material string `json:"material,omitempty"`
	Tool     string `json:"tool,omitempty"`
	ToolType string `json:"tool_type,omitempty"`

	// ToolDiameter, when set, must lie within DiameterTolerance of the map's tool.
	ToolDiameter      *float64 `json:"tool_diameter,omitempty"`
	DiameterTolerance float64  `json:"diameter_tolerance,omitempty"`

	// ExcludedTools drops maps whose tool label equals any entry.
	ExcludedTools []string `json:"excluded_tools,omitempty"`

	// Limit bounds the result. Zero selects the server maximum.
	Limit int `json:"limit,omitempty"`
}

// Validate rejects empty or oversized filters.
func (f *ReverseQueryFilter) Validate(maxCandidates int) error {
	if strings.TrimSpace(f.Machine) == "" && strings.TrimSpace(f.Material) == "" &&
		strings.TrimSpace(f.Tool) == "" && strings.TrimSpace(f.ToolType) == "" {
		return Errorf(ErrBadFilter, "filter needs at least one of machine, material, tool, tool_type")
	}
	for _, v := range []string{f.Machine, f.Material, f.Tool, f.ToolType} {
		if len(v) > maxLabelLen {
			return Errorf(ErrBadFilter, "filter field too long")
		}
	}
	if len(f.ExcludedTools) > maxCandidates {
		return Errorf(ErrBadFilter, "too many excluded tools")
	}
	if f.Limit < 0 || f.Limit > maxCandidates {
		return Errorf(ErrBadFilter, "limit must be in [0, %d]", maxCandidates)
	}
	if f.ToolDiameter != nil && (math.IsNaN(*f.ToolDiameter) || *f.ToolDiameter <= 0) {
		return Errorf(ErrBadFilter, "tool diameter must be positive")
	}
	if f.DiameterTolerance < 0 || math.IsNaN(f.DiameterTolerance) {
		return Errorf(ErrBadFilter, "diameter tolerance must not be negative")
	}
	return nil
}

// EffectiveLimit resolves a zero limit to maxCandidates.
func (f *ReverseQueryFilter) EffectiveLimit(maxCandidates int) int {
	if f.Limit == 0 {
		return maxCandidates
	}
	return f.Limit
}

// Matches applies the filter to stored metadata.
func (f *ReverseQueryFilter) Matches(info *MapInfo) bool {
	if !containsFold(info.Label.Machine, f.Machine) ||
		!containsFold(info.Label.Material, f.Material) ||
		!containsFold(info.Label.Tool, f.Tool) ||
		!containsFold(info.Tool.Type, f.ToolType) {
		return false
	}
	for _, excluded := range f.ExcludedTools {
		if strings.EqualFold(strings.TrimSpace(excluded), info.Label.Tool) {
			return false
		}
	}
	if f.ToolDiameter != nil {
		tolerance := f.DiameterTolerance
		if tolerance == 0 {
			tolerance = 1e-9
		}
		if math.Abs(info.Tool.Diameter-*f.ToolDiameter) > tolerance {
			return false
		}
	}
	return true
}

func containsFold(s, fragment string) bool {
	fragment = strings.TrimSpace(fragment)
	if fragment == "" {
		return true
	}
	return strings.Contains(strings.ToLower(s), strings.ToLower(fragment))
}

// CandidateDescriptor describes a reverse query match. Points and the map salt
// are revealed only after the candidate is selected.
type CandidateDescriptor struct {
	Map        MapRef         `json:"map"`
	Tool       ToolProperties `json:"tool"`
	PointCount int            `json:"point_count"`
}
