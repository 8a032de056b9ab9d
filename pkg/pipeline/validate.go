package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/google/uuid"

	"github.com/veritrail/core/pkg/store"
)

// Violation types.
const (
	ViolationGeoFence  = "GEO_FENCE_VIOLATION"
	ViolationReverse   = "REVERSE_FLOW"
	ViolationDeviation = "ROUTE_DEVIATION"
)

// Zone is a bounding-box geo fence.
type Zone struct {
	MinLat float64 `json:"min_lat"`
	MaxLat float64 `json:"max_lat"`
	MinLng float64 `json:"min_lng"`
	MaxLng float64 `json:"max_lng"`
}

// Direction is the expected flow between two nodes.
type Direction struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// RouteData carries the geo and route fields a validation inspects.
type RouteData struct {
	GeoLat            *float64   `json:"geo_lat,omitempty"`
	GeoLng            *float64   `json:"geo_lng,omitempty"`
	ExpectedZone      *Zone      `json:"expected_zone,omitempty"`
	FromNode          string     `json:"from_node,omitempty"`
	ToNode            string     `json:"to_node,omitempty"`
	ExpectedDirection *Direction `json:"expected_direction,omitempty"`
	ActualDuration    float64    `json:"actual_duration,omitempty"`
	ExpectedDuration  float64    `json:"expected_duration,omitempty"`
}

// Violation is one typed route check failure.
type Violation struct {
	Type     string `json:"type"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

// ValidationResult is the per-event route verdict. Violations never
// block the flow; they feed the risk score instead.
type ValidationResult struct {
	EventID    string      `json:"event_id"`
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations"`
}

// ValidateRoute runs geo-fence, reverse-flow and deviation checks and
// logs the result. Missing fields skip their check; an absent fence is
// treated as in-zone.
func (e *Engine) ValidateRoute(ctx context.Context, eventID string, route RouteData) (*ValidationResult, error) {
	violations := checkRoute(route)

	raw, err := json.Marshal(violations)
	if err != nil {
		return nil, err
	}
	if err := e.store.InsertValidation(ctx, &store.ValidationRow{
		ID:             uuid.New().String(),
		EventID:        eventID,
		ViolationCount: len(violations),
		Violations:     string(raw),
		ValidatedAt:    e.store.NowString(),
	}); err != nil {
		return nil, err
	}

	return &ValidationResult{
		EventID:    eventID,
		Valid:      len(violations) == 0,
		Violations: violations,
	}, nil
}

func checkRoute(route RouteData) []Violation {
	violations := []Violation{}

	if route.GeoLat != nil && route.GeoLng != nil && route.ExpectedZone != nil {
		if !inZone(*route.GeoLat, *route.GeoLng, route.ExpectedZone) {
			violations = append(violations, Violation{
				Type:     ViolationGeoFence,
				Severity: "high",
				Detail:   fmt.Sprintf("location (%v, %v) outside expected zone", *route.GeoLat, *route.GeoLng),
			})
		}
	}

	if route.FromNode != "" && route.ToNode != "" && route.ExpectedDirection != nil {
		if route.FromNode == route.ExpectedDirection.To && route.ToNode == route.ExpectedDirection.From {
			violations = append(violations, Violation{
				Type:     ViolationReverse,
				Severity: "critical",
				Detail:   fmt.Sprintf("reverse flow detected: %s -> %s", route.FromNode, route.ToNode),
			})
		}
	}

	if route.ActualDuration > 0 && route.ExpectedDuration > 0 {
		deviation := math.Abs(route.ActualDuration-route.ExpectedDuration) / route.ExpectedDuration
		if deviation > 0.3 {
			severity := "medium"
			if deviation > 0.5 {
				severity = "high"
			}
			violations = append(violations, Violation{
				Type:     ViolationDeviation,
				Severity: severity,
				Detail:   fmt.Sprintf("route deviation %.1f%% exceeds 30%% threshold", deviation*100),
			})
		}
	}

	return violations
}

func inZone(lat, lng float64, zone *Zone) bool {
	return lat >= zone.MinLat && lat <= zone.MaxLat &&
		lng >= zone.MinLng && lng <= zone.MaxLng
}
