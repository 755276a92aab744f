package decisions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/climate-agent/internal/climate"
)

// tsLayout is fixed-width so timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000Z"

// Open opens the agent database at path with WAL journaling.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// Store persists decisions, settings and prompts. All public methods
// are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates a store on db. The schema is created automatically
// on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, storageErr("migrate", err)
	}
	return s, nil
}

// DB returns the underlying handle so other stores can share the file.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS decisions (
		seq                INTEGER PRIMARY KEY AUTOINCREMENT,
		id                 TEXT NOT NULL UNIQUE,
		timestamp          TEXT NOT NULL,
		local_date         TEXT NOT NULL,
		local_hour         INTEGER NOT NULL,
		trigger            TEXT NOT NULL,
		indoor_temp        REAL NOT NULL,
		outdoor_temp       REAL NOT NULL,
		setpoint           REAL,
		forecast_trend     TEXT NOT NULL,
		ai_action          TEXT NOT NULL,
		ai_target          REAL,
		ai_reasoning       TEXT NOT NULL,
		requested_target   REAL,
		clamped            INTEGER NOT NULL,
		baseline_action    TEXT NOT NULL,
		baseline_target    REAL NOT NULL,
		rule_triggered     TEXT NOT NULL,
		baseline_reasoning TEXT NOT NULL,
		overridden         INTEGER NOT NULL,
		success            INTEGER NOT NULL,
		annotations        TEXT,
		provider           TEXT NOT NULL,
		model              TEXT NOT NULL,
		weather_data       TEXT,
		thermostat_state   TEXT,
		tool_calls         TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_decisions_timestamp ON decisions(timestamp);
	CREATE INDEX IF NOT EXISTS idx_decisions_local_date ON decisions(local_date);

	CREATE TRIGGER IF NOT EXISTS decisions_append_only
	BEFORE UPDATE ON decisions
	BEGIN
		SELECT RAISE(ABORT, 'decisions are append-only');
	END;

	CREATE TABLE IF NOT EXISTS settings (
		key         TEXT PRIMARY KEY,
		value       TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		category    TEXT NOT NULL DEFAULT '',
		updated_at  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS prompts (
		name        TEXT PRIMARY KEY,
		content     TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		updated_at  TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Append persists a decision and returns its ID. If d.ID is empty a
// UUIDv7 is generated. The local date and hour used by the daily and
// hourly views are taken from d.Timestamp's own location.
func (s *Store) Append(ctx context.Context, d *Decision) (string, error) {
	if d.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", storageErr("append", fmt.Errorf("generate ID: %w", err))
		}
		d.ID = id.String()
	}
	if d.Timestamp.IsZero() {
		d.Timestamp = s.now()
	}

	annotations, err := marshalOptional(d.Annotations, len(d.Annotations) > 0)
	if err != nil {
		return "", storageErr("append", err)
	}
	weather, err := marshalOptional(d.Weather, d.Weather != nil)
	if err != nil {
		return "", storageErr("append", err)
	}
	thermostat, err := marshalOptional(d.Thermostat, d.Thermostat != nil)
	if err != nil {
		return "", storageErr("append", err)
	}
	calls, err := marshalOptional(d.ToolCalls, len(d.ToolCalls) > 0)
	if err != nil {
		return "", storageErr("append", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO decisions
			(id, timestamp, local_date, local_hour, trigger, indoor_temp, outdoor_temp,
			 setpoint, forecast_trend, ai_action, ai_target, ai_reasoning,
			 requested_target, clamped, baseline_action, baseline_target,
			 rule_triggered, baseline_reasoning, overridden, success, annotations,
			 provider, model, weather_data, thermostat_state, tool_calls)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.Timestamp.UTC().Format(tsLayout),
		d.Timestamp.Format(time.DateOnly),
		d.Timestamp.Hour(),
		d.Trigger,
		d.IndoorTemp,
		d.OutdoorTemp,
		nullFloat(d.Setpoint),
		d.ForecastTrend,
		string(d.AIAction),
		nullFloat(d.AITarget),
		d.AIReasoning,
		nullFloat(d.RequestedTarget),
		d.Clamped,
		string(d.BaselineAction),
		d.BaselineTarget,
		d.RuleTriggered,
		d.BaselineReasoning,
		d.Overridden,
		d.Success,
		annotations,
		d.Provider,
		d.Model,
		weather,
		thermostat,
		calls,
	)
	if err != nil {
		return "", storageErr("append", err)
	}
	return d.ID, nil
}

const decisionColumns = `id, timestamp, trigger, indoor_temp, outdoor_temp, setpoint,
	forecast_trend, ai_action, ai_target, ai_reasoning, requested_target, clamped,
	baseline_action, baseline_target, rule_triggered, baseline_reasoning,
	overridden, success, annotations, provider, model, weather_data,
	thermostat_state, tool_calls`

// Get returns one decision by ID, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Decision, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE id = ?`, id)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get", err)
	}
	return d, nil
}

// Recent returns up to limit decisions, most recent first.
func (s *Store) Recent(ctx context.Context, limit int) ([]*Decision, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+decisionColumns+` FROM decisions ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, storageErr("recent", err)
	}
	defer rows.Close()

	var out []*Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, storageErr("recent", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("recent", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDecision(row scanner) (*Decision, error) {
	var (
		d                                   Decision
		ts, aiAction, baseAction            string
		setpoint, aiTarget, requested       sql.NullFloat64
		annotations, weather, thermo, calls sql.NullString
	)
	err := row.Scan(
		&d.ID, &ts, &d.Trigger, &d.IndoorTemp, &d.OutdoorTemp, &setpoint,
		&d.ForecastTrend, &aiAction, &aiTarget, &d.AIReasoning, &requested, &d.Clamped,
		&baseAction, &d.BaselineTarget, &d.RuleTriggered, &d.BaselineReasoning,
		&d.Overridden, &d.Success, &annotations, &d.Provider, &d.Model, &weather,
		&thermo, &calls,
	)
	if err != nil {
		return nil, err
	}

	d.Timestamp, err = time.Parse(tsLayout, ts)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
	}
	d.AIAction = climate.Action(aiAction)
	d.BaselineAction = climate.Action(baseAction)
	d.Setpoint = floatPtr(setpoint)
	d.AITarget = floatPtr(aiTarget)
	d.RequestedTarget = floatPtr(requested)

	if annotations.Valid {
		if err := json.Unmarshal([]byte(annotations.String), &d.Annotations); err != nil {
			return nil, fmt.Errorf("decode annotations: %w", err)
		}
	}
	if weather.Valid {
		d.Weather = &climate.WeatherSnapshot{}
		if err := json.Unmarshal([]byte(weather.String), d.Weather); err != nil {
			return nil, fmt.Errorf("decode weather: %w", err)
		}
	}
	if thermo.Valid {
		d.Thermostat = &climate.ThermostatState{}
		if err := json.Unmarshal([]byte(thermo.String), d.Thermostat); err != nil {
			return nil, fmt.Errorf("decode thermostat: %w", err)
		}
	}
	if calls.Valid {
		if err := json.Unmarshal([]byte(calls.String), &d.ToolCalls); err != nil {
			return nil, fmt.Errorf("decode tool calls: %w", err)
		}
	}
	return &d, nil
}

func marshalOptional(v any, present bool) (sql.NullString, error) {
	if !present {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
