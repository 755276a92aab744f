package climate

import (
	"fmt"
	"math"
)

// TrendThreshold is the temperature change over the horizon below which
// a forecast counts as stable.
const TrendThreshold = 1.0

// Direction of a forecast trend.
type Direction string

const (
	Warming Direction = "warming"
	Cooling Direction = "cooling"
	Stable  Direction = "stable"
)

// Trend summarizes a forecast: the change from the first to the last
// point and the extremes in between.
type Trend struct {
	Direction Direction `json:"direction"`
	Delta     float64   `json:"delta"`
	Hours     int       `json:"hours"`
	Min       float64   `json:"min"`
	Max       float64   `json:"max"`
}

// ForecastTrend computes the trend over points. An empty forecast is
// stable with zero delta.
func ForecastTrend(points []ForecastPoint) Trend {
	if len(points) == 0 {
		return Trend{Direction: Stable}
	}
	t := Trend{
		Delta: round1(points[len(points)-1].Temperature - points[0].Temperature),
		Hours: len(points),
		Min:   points[0].Temperature,
		Max:   points[0].Temperature,
	}
	for _, p := range points[1:] {
		t.Min = math.Min(t.Min, p.Temperature)
		t.Max = math.Max(t.Max, p.Temperature)
	}
	switch {
	case t.Delta >= TrendThreshold:
		t.Direction = Warming
	case t.Delta <= -TrendThreshold:
		t.Direction = Cooling
	default:
		t.Direction = Stable
	}
	return t
}

// String renders e.g. "warming +3.2°C over 12h".
func (t Trend) String() string {
	if t.Hours == 0 {
		return string(Stable)
	}
	return fmt.Sprintf("%s %+.1f°C over %dh", t.Direction, t.Delta, t.Hours)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
