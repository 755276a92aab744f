package baseline

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nugget/climate-agent/internal/climate"
)

func f(v float64) *float64 { return &v }
func i(v int) *int         { return &v }

func TestEvaluate_Scenarios(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name       string
		in         Inputs
		wantAction climate.Action
		wantTarget float64
		wantRule   string
	}{
		{
			name:       "morning warmup",
			in:         Inputs{Hour: 6, OutdoorTemp: f(0), CurrentSetpoint: f(18)},
			wantAction: climate.SetTemperature,
			wantTarget: 20,
			wantRule:   RuleMorningWarmup,
		},
		{
			name:       "night without occupancy",
			in:         Inputs{Hour: 23, OutdoorTemp: f(0), CurrentSetpoint: f(21)},
			wantAction: climate.SetTemperature,
			wantTarget: 18,
			wantRule:   RuleSchedule,
		},
		{
			name: "night suppresses away",
			in: Inputs{Hour: 23, CurrentSetpoint: f(21), Occupancy: &climate.Occupancy{
				Recognized: true, Occupied: false, MinutesSinceLastMotion: i(300),
			}},
			wantAction: climate.SetTemperature,
			wantTarget: 18,
			wantRule:   RuleSchedule,
		},
		{
			name:       "cold boost",
			in:         Inputs{Hour: 12, OutdoorTemp: f(-12), CurrentSetpoint: f(20)},
			wantAction: climate.SetTemperature,
			wantTarget: 22,
			wantRule:   RuleColdBoost,
		},
		{
			name:       "hot weather clamped to max",
			in:         Inputs{Hour: 14, OutdoorTemp: f(30), CurrentSetpoint: f(21)},
			wantAction: climate.SetTemperature,
			wantTarget: 23,
			wantRule:   RuleHotWeather,
		},
		{
			name:       "daytime",
			in:         Inputs{Hour: 10, OutdoorTemp: f(5), CurrentSetpoint: f(19)},
			wantAction: climate.SetTemperature,
			wantTarget: 21,
			wantRule:   RuleSchedule,
		},
		{
			name:       "within deadband",
			in:         Inputs{Hour: 10, OutdoorTemp: f(5), CurrentSetpoint: f(21.3)},
			wantAction: climate.NoChange,
			wantTarget: 21.3,
			wantRule:   RuleDeadband,
		},
		{
			name:       "unknown setpoint always sets",
			in:         Inputs{Hour: 10, OutdoorTemp: f(5)},
			wantAction: climate.SetTemperature,
			wantTarget: 21,
			wantRule:   RuleSchedule,
		},
		{
			name:       "unknown outdoor skips modifiers",
			in:         Inputs{Hour: 10, CurrentSetpoint: f(18)},
			wantAction: climate.SetTemperature,
			wantTarget: 21,
			wantRule:   RuleSchedule,
		},
		{
			name: "away during the day",
			in: Inputs{Hour: 13, OutdoorTemp: f(-15), CurrentSetpoint: f(21), Occupancy: &climate.Occupancy{
				Recognized: true, Occupied: false, MinutesSinceLastMotion: i(90),
			}},
			wantAction: climate.SetTemperature,
			wantTarget: 17,
			wantRule:   RuleAwayMode,
		},
		{
			name: "recently left is not away",
			in: Inputs{Hour: 13, CurrentSetpoint: f(18), Occupancy: &climate.Occupancy{
				Recognized: true, Occupied: false, MinutesSinceLastMotion: i(20),
			}},
			wantAction: climate.SetTemperature,
			wantTarget: 21,
			wantRule:   RuleSchedule,
		},
		{
			name: "unrecognized occupancy fails open",
			in: Inputs{Hour: 13, CurrentSetpoint: f(18), Occupancy: &climate.Occupancy{
				Occupied: true,
			}},
			wantAction: climate.SetTemperature,
			wantTarget: 21,
			wantRule:   RuleSchedule,
		},
		{
			name: "unoccupied without idle time is not away",
			in: Inputs{Hour: 13, CurrentSetpoint: f(18), Occupancy: &climate.Occupancy{
				Recognized: true, Occupied: false,
			}},
			wantAction: climate.SetTemperature,
			wantTarget: 21,
			wantRule:   RuleSchedule,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(cfg, tt.in)
			assert.Equal(t, tt.wantAction, got.Action)
			assert.Equal(t, tt.wantTarget, got.Target)
			assert.Equal(t, tt.wantRule, got.Rule)
			assert.NotEmpty(t, got.Reasoning)
		})
	}
}

func TestEvaluate_DeadbandKeepsBasis(t *testing.T) {
	got := Evaluate(DefaultConfig(), Inputs{Hour: 12, OutdoorTemp: f(-12), CurrentSetpoint: f(22)})
	assert.Equal(t, RuleDeadband, got.Rule)
	assert.Equal(t, RuleColdBoost, got.Basis)
}

func TestEvaluate_OutOfBoundsSetpointIsCorrected(t *testing.T) {
	cfg := DefaultConfig()

	got := Evaluate(cfg, Inputs{Hour: 14, OutdoorTemp: f(30), CurrentSetpoint: f(23.3)})
	assert.Equal(t, climate.SetTemperature, got.Action)
	assert.Equal(t, cfg.MaxTemp, got.Target)

	away := &climate.Occupancy{Recognized: true, MinutesSinceLastMotion: i(120)}
	got = Evaluate(cfg, Inputs{Hour: 13, OutdoorTemp: f(5), CurrentSetpoint: f(16.8), Occupancy: away})
	assert.Equal(t, climate.SetTemperature, got.Action)
	assert.Equal(t, cfg.MinTemp, got.Target)
}

func TestEvaluate_AlwaysWithinBounds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HotTarget = 30
	cfg.ColdBoost = 9
	cfg.AwayTarget = 5

	outdoor := []float64{-40, -10.5, -10, 0, 24.9, 25.1, 45}
	setpoints := []*float64{nil, f(5), f(16.7), f(17), f(20), f(23), f(23.3), f(35)}
	for hour := -1; hour <= 24; hour++ {
		for _, out := range outdoor {
			for _, occ := range []*climate.Occupancy{nil, {Recognized: true, MinutesSinceLastMotion: i(600)}} {
				for _, sp := range setpoints {
					got := Evaluate(cfg, Inputs{Hour: hour, OutdoorTemp: f(out), Occupancy: occ, CurrentSetpoint: sp})
					require.GreaterOrEqual(t, got.Target, cfg.MinTemp, "hour %d outdoor %v setpoint %v", hour, out, sp)
					require.LessOrEqual(t, got.Target, cfg.MaxTemp, "hour %d outdoor %v setpoint %v", hour, out, sp)
				}
			}
		}
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	in := Inputs{Hour: 7, OutdoorTemp: f(-11), IndoorTemp: f(19.5), CurrentSetpoint: f(20)}
	assert.Equal(t, Evaluate(DefaultConfig(), in), Evaluate(DefaultConfig(), in))
}

func TestEvaluate_WarmupDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WarmupEnd = cfg.WarmupStart

	got := Evaluate(cfg, Inputs{Hour: 6})
	assert.Equal(t, RuleSchedule, got.Rule)
	assert.Equal(t, 21.0, got.Target)
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.MinTemp = 25
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.WarmupEnd = 3
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.Deadband = -1
	assert.Error(t, bad.Validate())
}

func TestDescribe(t *testing.T) {
	assert.Contains(t, DefaultConfig().Describe(), "Nighttime: 18.0°C")
}
