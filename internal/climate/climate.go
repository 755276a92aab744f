// Package climate holds the immutable per-cycle snapshots the decision
// loop reasons over, and decodes them from tool payloads.
package climate

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Action is what a decision does to the thermostat.
type Action string

const (
	NoChange       Action = "NO_CHANGE"
	SetTemperature Action = "SET_TEMPERATURE"
)

// Valid HVAC modes and presets accepted by the mutating tools.
var (
	HVACModes = []string{"heat", "cool", "auto", "off"}
	Presets   = []string{"home", "away", "sleep"}
)

// ThermostatState is a snapshot of the thermostat.
type ThermostatState struct {
	IndoorTemp float64  `json:"indoor_temperature"`
	Setpoint   *float64 `json:"target_setpoint,omitempty"`
	HVACMode   string   `json:"hvac_mode"`
	HVACAction string   `json:"hvac_action,omitempty"`
	Preset     string   `json:"preset,omitempty"`
	Humidity   *float64 `json:"humidity,omitempty"`
}

// WeatherSnapshot is the current outdoor conditions.
type WeatherSnapshot struct {
	OutdoorTemp     float64 `json:"outdoor_temperature"`
	FeelsLike       float64 `json:"feels_like"`
	HumidityPercent int     `json:"humidity_percent"`
	Conditions      string  `json:"conditions"`
	WindSpeed       float64 `json:"wind_speed"`

	// FromForecast is set when no current-weather tool is available and
	// the first forecast hour stands in.
	FromForecast bool `json:"from_forecast,omitempty"`
}

// ForecastPoint is one hour of forecast.
type ForecastPoint struct {
	HourOffset               int     `json:"hour_offset"`
	Time                     string  `json:"time,omitempty"`
	Temperature              float64 `json:"temperature"`
	FeelsLike                float64 `json:"feels_like,omitempty"`
	PrecipitationProbability float64 `json:"precipitation_probability,omitempty"`
	Conditions               string  `json:"conditions"`
}

// Occupancy is the optional presence signal. Recognized is false when
// the payload had an unknown shape, in which case the home is treated
// as occupied.
type Occupancy struct {
	Occupied               bool `json:"currently_occupied"`
	MinutesSinceLastMotion *int `json:"minutes_since_last_motion,omitempty"`
	Recognized             bool `json:"-"`
}

// thermostatPayload accepts both the provider field names and the
// snapshot's own names.
type thermostatPayload struct {
	CurrentTemperature *float64 `json:"current_temperature"`
	IndoorTemperature  *float64 `json:"indoor_temperature"`
	TargetTemperature  *float64 `json:"target_temperature"`
	TargetSetpoint     *float64 `json:"target_setpoint"`
	HVACMode           string   `json:"hvac_mode"`
	HVACAction         string   `json:"hvac_action"`
	PresetMode         string   `json:"preset_mode"`
	Preset             string   `json:"preset"`
	Humidity           *float64 `json:"humidity"`
}

// ParseThermostat decodes a get_thermostat_state payload. The indoor
// temperature is required.
func ParseThermostat(raw string) (ThermostatState, error) {
	var p thermostatPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return ThermostatState{}, fmt.Errorf("thermostat state: %w", err)
	}
	indoor := first(p.CurrentTemperature, p.IndoorTemperature)
	if indoor == nil {
		return ThermostatState{}, errors.New("thermostat state: no indoor temperature")
	}
	return ThermostatState{
		IndoorTemp: *indoor,
		Setpoint:   first(p.TargetTemperature, p.TargetSetpoint),
		HVACMode:   strings.ToLower(p.HVACMode),
		HVACAction: strings.ToLower(p.HVACAction),
		Preset:     strings.ToLower(firstString(p.PresetMode, p.Preset)),
		Humidity:   p.Humidity,
	}, nil
}

type weatherPayload struct {
	TemperatureC       *float64 `json:"temperature_c"`
	OutdoorTemperature *float64 `json:"outdoor_temperature"`
	FeelsLikeC         *float64 `json:"feels_like_c"`
	HumidityPercent    float64  `json:"humidity_percent"`
	WindSpeedKmh       float64  `json:"wind_speed_kmh"`
	Conditions         string   `json:"conditions"`
}

// ParseWeather decodes a get_current_weather payload.
func ParseWeather(raw string) (WeatherSnapshot, error) {
	var p weatherPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return WeatherSnapshot{}, fmt.Errorf("current weather: %w", err)
	}
	temp := first(p.TemperatureC, p.OutdoorTemperature)
	if temp == nil {
		return WeatherSnapshot{}, errors.New("current weather: no outdoor temperature")
	}
	feels := *temp
	if p.FeelsLikeC != nil {
		feels = *p.FeelsLikeC
	}
	return WeatherSnapshot{
		OutdoorTemp:     *temp,
		FeelsLike:       feels,
		HumidityPercent: int(math.Round(p.HumidityPercent)),
		Conditions:      p.Conditions,
		WindSpeed:       p.WindSpeedKmh,
	}, nil
}

type forecastPayload struct {
	Hours    int `json:"forecast_hours"`
	Forecast []struct {
		HourOffset               *int     `json:"hour_offset"`
		Time                     string   `json:"time"`
		TemperatureC             *float64 `json:"temperature_c"`
		Temperature              *float64 `json:"temperature"`
		FeelsLikeC               float64  `json:"feels_like_c"`
		PrecipitationProbability float64  `json:"precipitation_probability"`
		Conditions               string   `json:"conditions"`
	} `json:"forecast"`
}

// ParseForecast decodes a get_forecast payload, keeping at most horizon
// points. Points without a temperature are skipped.
func ParseForecast(raw string, horizon int) ([]ForecastPoint, error) {
	var p forecastPayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("forecast: %w", err)
	}
	var out []ForecastPoint
	for i, f := range p.Forecast {
		if horizon > 0 && len(out) >= horizon {
			break
		}
		temp := first(f.TemperatureC, f.Temperature)
		if temp == nil {
			continue
		}
		offset := i
		if f.HourOffset != nil {
			offset = *f.HourOffset
		}
		out = append(out, ForecastPoint{
			HourOffset:               offset,
			Time:                     f.Time,
			Temperature:              *temp,
			FeelsLike:                f.FeelsLikeC,
			PrecipitationProbability: f.PrecipitationProbability,
			Conditions:               f.Conditions,
		})
	}
	if len(out) == 0 {
		return nil, errors.New("forecast: no usable points")
	}
	return out, nil
}

// WeatherFromForecast builds a stand-in snapshot from the first point.
func WeatherFromForecast(points []ForecastPoint) (WeatherSnapshot, bool) {
	if len(points) == 0 {
		return WeatherSnapshot{}, false
	}
	p := points[0]
	feels := p.FeelsLike
	if feels == 0 {
		feels = p.Temperature
	}
	return WeatherSnapshot{
		OutdoorTemp:  p.Temperature,
		FeelsLike:    feels,
		Conditions:   p.Conditions,
		FromForecast: true,
	}, true
}

// ParseOccupancy decodes a get_occupancy_state payload. Any shape other
// than {"currently_occupied": bool, ...} yields an occupied, unrecognized
// result.
func ParseOccupancy(raw string) Occupancy {
	var m map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return Occupancy{Occupied: true}
	}
	var occ Occupancy
	rawOcc, ok := m["currently_occupied"]
	if !ok || json.Unmarshal(rawOcc, &occ.Occupied) != nil {
		return Occupancy{Occupied: true}
	}
	if rawMin, ok := m["minutes_since_last_motion"]; ok {
		var f *float64
		if json.Unmarshal(rawMin, &f) == nil && f != nil && *f >= 0 {
			n := int(*f)
			occ.MinutesSinceLastMotion = &n
		}
	}
	occ.Recognized = true
	return occ
}

func first(vals ...*float64) *float64 {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstString(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
