// Package toolargs defends tool invocations against model-supplied
// arguments: undeclared parameters are dropped, loosely typed values are
// coerced to the declared type (lists to their first usable element,
// numeric strings to numbers), bounds are clamped, enums are normalized,
// and the result is validated against the tool's JSON Schema.
package toolargs

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nugget/climate-agent/internal/mcp"
)

// Normalized is a coerced argument set plus notes describing every
// change made to what the model supplied.
type Normalized struct {
	Args  map[string]any
	Notes []string
}

type limit struct{ lo, hi float64 }

type toolSchema struct {
	def    mcp.ToolDefinition
	schema *jsonschema.Schema // nil when the provider schema did not compile
}

// Validator normalizes arguments for a fixed set of tool definitions.
// It is safe for concurrent use.
type Validator struct {
	logger *slog.Logger

	mu     sync.RWMutex
	tools  map[string]toolSchema
	limits map[string]limit    // "tool.field"
	enums  map[string][]string // "tool.field"
}

// NewValidator compiles the input schema of every definition. A schema
// that does not compile is logged and skipped; coercion still applies.
func NewValidator(defs []mcp.ToolDefinition, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	v := &Validator{
		logger: logger,
		tools:  make(map[string]toolSchema, len(defs)),
		limits: make(map[string]limit),
		enums:  make(map[string][]string),
	}
	v.Load(defs)
	return v
}

// Load replaces the known definitions, keeping registered limits and
// enums. Used after tool re-discovery.
func (v *Validator) Load(defs []mcp.ToolDefinition) {
	tools := make(map[string]toolSchema, len(defs))
	for _, d := range defs {
		s, err := compile(d)
		if err != nil {
			v.logger.Warn("tool schema does not compile, skipping schema validation",
				"tool", d.Name,
				"error", err,
			)
		}
		tools[d.Name] = toolSchema{def: d, schema: s}
	}
	v.mu.Lock()
	v.tools = tools
	v.mu.Unlock()
}

func compile(d mcp.ToolDefinition) (*jsonschema.Schema, error) {
	if len(d.InputSchema) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(d.InputSchema)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := d.Name + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// Limit clamps a numeric field into [lo, hi] in addition to any bounds
// the schema declares.
func (v *Validator) Limit(tool, field string, lo, hi float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.limits[tool+"."+field] = limit{lo, hi}
}

// Enum restricts a string field to values, in addition to any enum the
// schema declares.
func (v *Validator) Enum(tool, field string, values ...string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.enums[tool+"."+field] = values
}

// Normalize coerces args for tool. The input map is not modified.
func (v *Validator) Normalize(tool string, args map[string]any) (Normalized, error) {
	v.mu.RLock()
	ts, ok := v.tools[tool]
	v.mu.RUnlock()
	if !ok {
		return Normalized{}, &ValidationError{Tool: tool, Reason: "tool is not in the catalog"}
	}

	out := Normalized{Args: make(map[string]any)}
	props := ts.def.Properties()

	names := make([]string, 0, len(args))
	for name := range args {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		prop, declared := props[name]
		if !declared {
			out.Notes = append(out.Notes, fmt.Sprintf("dropped undeclared parameter %q", name))
			continue
		}
		val, note, err := v.coerce(tool, name, prop, args[name])
		if err != nil {
			return Normalized{}, err
		}
		if note != "" {
			out.Notes = append(out.Notes, note)
		}
		out.Args[name] = val
	}

	for _, name := range ts.def.Required() {
		if _, ok := out.Args[name]; ok {
			continue
		}
		if def, ok := props[name]["default"]; ok {
			out.Args[name] = def
			out.Notes = append(out.Notes, fmt.Sprintf("filled missing %q with default", name))
			continue
		}
		return Normalized{}, &ValidationError{Tool: tool, Field: name, Reason: "required parameter missing"}
	}

	if ts.schema != nil {
		if err := validate(ts.schema, out.Args); err != nil {
			return Normalized{}, &ValidationError{Tool: tool, Reason: err.Error()}
		}
	}
	return out, nil
}

// validate runs the schema over a JSON round-trip of args so numbers
// reach the validator in their decoded form.
func validate(s *jsonschema.Schema, args map[string]any) error {
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	return s.Validate(doc)
}

func (v *Validator) coerce(tool, field string, prop map[string]any, val any) (any, string, error) {
	typ, _ := prop["type"].(string)
	key := tool + "." + field

	v.mu.RLock()
	lim, hasLimit := v.limits[key]
	extraEnum := v.enums[key]
	v.mu.RUnlock()

	switch typ {
	case "integer", "number":
		n, note, err := toNumber(val, prop["default"])
		if err != nil {
			return nil, "", &ValidationError{Tool: tool, Field: field, Value: val, Reason: err.Error()}
		}
		if typ == "integer" && n != math.Trunc(n) {
			n = math.Round(n)
			note = joinNote(note, "rounded to integer")
		}
		lo, hi := bounds(prop)
		if hasLimit {
			lo, hi = math.Max(lo, lim.lo), math.Min(hi, lim.hi)
		}
		if c, clamped := Clamp(n, lo, hi); clamped {
			note = joinNote(note, fmt.Sprintf("clamped %v to %v", n, c))
			n = c
		}
		if note != "" {
			note = fmt.Sprintf("%s: %s", field, note)
		}
		if typ == "integer" {
			return int(n), note, nil
		}
		return n, note, nil

	case "string":
		s, note, err := toString(val)
		if err != nil {
			return nil, "", &ValidationError{Tool: tool, Field: field, Value: val, Reason: err.Error()}
		}
		allowed := append(enumValues(prop), extraEnum...)
		if len(allowed) > 0 {
			norm := strings.ToLower(strings.TrimSpace(s))
			if !contains(allowed, norm) {
				return nil, "", &ValidationError{
					Tool: tool, Field: field, Value: val,
					Reason: fmt.Sprintf("must be one of %s", strings.Join(allowed, ", ")),
				}
			}
			if norm != s {
				note = joinNote(note, fmt.Sprintf("normalized %q to %q", s, norm))
			}
			s = norm
		}
		if note != "" {
			note = fmt.Sprintf("%s: %s", field, note)
		}
		return s, note, nil

	case "boolean":
		switch b := val.(type) {
		case bool:
			return b, "", nil
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(b))
			if err != nil {
				return nil, "", &ValidationError{Tool: tool, Field: field, Value: val, Reason: "not a boolean"}
			}
			return parsed, fmt.Sprintf("%s: parsed boolean from string", field), nil
		}
		return nil, "", &ValidationError{Tool: tool, Field: field, Value: val, Reason: "not a boolean"}
	}

	return val, "", nil
}

// toNumber coerces a model-supplied value to a number. A list yields its
// first numeric element, or def when none is usable.
func toNumber(val, def any) (float64, string, error) {
	switch n := val.(type) {
	case float64:
		return n, "", nil
	case float32:
		return float64(n), "", nil
	case int:
		return float64(n), "", nil
	case int64:
		return float64(n), "", nil
	case json.Number:
		f, err := n.Float64()
		return f, "", err
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, "", fmt.Errorf("%q is not a number", n)
		}
		return f, "parsed number from string", nil
	case []any:
		for _, item := range n {
			if _, isBool := item.(bool); isBool {
				continue
			}
			if _, isList := item.([]any); isList {
				continue
			}
			if f, _, err := toNumber(item, nil); err == nil {
				return f, "took first element of list", nil
			}
		}
		if def != nil {
			f, _, err := toNumber(def, nil)
			if err == nil {
				return f, "list had no number, used default", nil
			}
		}
		return 0, "", fmt.Errorf("list contains no number")
	case bool:
		return 0, "", fmt.Errorf("boolean is not a number")
	case nil:
		if def != nil {
			f, _, err := toNumber(def, nil)
			if err == nil {
				return f, "null replaced by default", nil
			}
		}
		return 0, "", fmt.Errorf("null is not a number")
	}
	return 0, "", fmt.Errorf("unsupported type %T", val)
}

func toString(val any) (string, string, error) {
	switch s := val.(type) {
	case string:
		return s, "", nil
	case []any:
		for _, item := range s {
			if str, ok := item.(string); ok {
				return str, "took first element of list", nil
			}
		}
		return "", "", fmt.Errorf("list contains no string")
	case float64, int, bool:
		return "", "", fmt.Errorf("expected a string, got %T", val)
	}
	return "", "", fmt.Errorf("unsupported type %T", val)
}

func bounds(prop map[string]any) (float64, float64) {
	lo, hi := math.Inf(-1), math.Inf(1)
	if f, ok := asFloat(prop["minimum"]); ok {
		lo = f
	}
	if f, ok := asFloat(prop["maximum"]); ok {
		hi = f
	}
	return lo, hi
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func enumValues(prop map[string]any) []string {
	var out []string
	switch e := prop["enum"].(type) {
	case []any:
		for _, v := range e {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
	case []string:
		out = append(out, e...)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func joinNote(a, b string) string {
	if a == "" {
		return b
	}
	return a + ", " + b
}

// Clamp forces v into [lo, hi] and reports whether it changed.
func Clamp(v, lo, hi float64) (float64, bool) {
	switch {
	case v < lo:
		return lo, true
	case v > hi:
		return hi, true
	}
	return v, false
}

// Number coerces a model-supplied value to a number the same way
// Normalize does for numeric parameters, without bounds.
func Number(val any) (float64, error) {
	n, _, err := toNumber(val, nil)
	return n, err
}
