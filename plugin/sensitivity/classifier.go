package sensitivity

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"unicode"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/hrygo/crmsync/plugin/metrics"
)

// Record is a CRM record as a generic field map.
type Record = map[string]any

// Rule maps a field-name substring to a level. A Word rule only matches a whole
// word of the name, split on separators and camelCase, so "pin" matches
// "card_pin" and "userPIN" but not "shipping_method".
type Rule struct {
	Match string `yaml:"match"`
	Level Level  `yaml:"level"`
	Word  bool   `yaml:"word"`
}

// DefaultRules is the built-in classification table.
var DefaultRules = []Rule{
	{Match: "password", Level: Critical},
	{Match: "passwd", Level: Critical},
	{Match: "secret", Level: Critical},
	{Match: "token", Level: Critical},
	{Match: "apikey", Level: Critical},
	{Match: "api_key", Level: Critical},
	{Match: "credential", Level: Critical},
	{Match: "card_number", Level: Critical},
	{Match: "cardnumber", Level: Critical},
	{Match: "cvv", Level: Critical},
	{Match: "pin", Level: Critical, Word: true},

	{Match: "cpf", Level: Personal},
	{Match: "ssn", Level: Personal},
	{Match: "email", Level: Personal},
	{Match: "phone", Level: Personal},
	{Match: "mobile", Level: Personal},
	{Match: "birthdate", Level: Personal},
	{Match: "birth_date", Level: Personal},
	{Match: "address", Level: Personal},
	{Match: "document", Level: Personal},

	{Match: "amount", Level: Business},
	{Match: "rate", Level: Business},
	{Match: "balance", Level: Business},
	{Match: "price", Level: Business},
	{Match: "revenue", Level: Business},
	{Match: "discount", Level: Business},
	{Match: "commission", Level: Business},
	{Match: "salary", Level: Business},
}

type rulesFile struct {
	Rules []Rule `yaml:"rules"`
}

// LoadRules reads a YAML rule table of the form
//
//	rules:
//	  - match: iban
//	    level: PERSONAL
//	  - match: tan
//	    level: CRITICAL
//	    word: true
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read rules file %s", path)
	}
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Wrapf(err, "failed to parse rules file %s", path)
	}
	for i, rule := range file.Rules {
		if strings.TrimSpace(rule.Match) == "" {
			return nil, errors.Errorf("rule %d in %s has an empty match", i, path)
		}
	}
	return file.Rules, nil
}

// Classifier assigns levels to field names and records.
// All methods are total: they never fail and never panic on well-formed maps.
type Classifier struct {
	rules []Rule
	sink  metrics.Sink
}

// NewClassifier creates a classifier over rules. A nil or empty table uses DefaultRules.
func NewClassifier(rules []Rule, sink metrics.Sink) *Classifier {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	normalized := make([]Rule, 0, len(rules))
	for _, rule := range rules {
		normalized = append(normalized, Rule{Match: strings.ToLower(rule.Match), Level: rule.Level, Word: rule.Word})
	}
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Classifier{rules: normalized, sink: sink}
}

// ClassifyField returns the most restrictive level among rules whose substring
// occurs in name, compared case-insensitively. No match means Public.
func (c *Classifier) ClassifyField(name string) Level {
	lowered := strings.ToLower(name)
	var parts []string
	result := Public
	for _, rule := range c.rules {
		if rule.Level >= result {
			continue
		}
		if !rule.Word {
			if strings.Contains(lowered, rule.Match) {
				result = rule.Level
			}
			continue
		}
		if parts == nil {
			parts = words(name)
		}
		for _, part := range parts {
			if part == rule.Match {
				result = rule.Level
				break
			}
		}
	}
	return result
}

// words splits a field name into lower-case words on non-alphanumerics and
// lower-to-upper case changes.
func words(name string) []string {
	out := []string{}
	var b strings.Builder
	prevLower := false
	flush := func() {
		if b.Len() > 0 {
			out = append(out, b.String())
			b.Reset()
		}
	}
	for _, r := range name {
		switch {
		case unicode.IsUpper(r):
			if prevLower {
				flush()
			}
			b.WriteRune(unicode.ToLower(r))
			prevLower = false
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			prevLower = true
		default:
			flush()
			prevLower = false
		}
	}
	flush()
	return out
}

// ClassifyRecord returns the most restrictive level over every field name,
// including fields of nested objects and arrays of objects.
func (c *Classifier) ClassifyRecord(record Record) Level {
	result := Public
	for name, value := range record {
		result = MostRestrictive(result, c.ClassifyField(name), c.classifyValue(value))
		if result == Critical {
			return result
		}
	}
	return result
}

func (c *Classifier) classifyValue(value any) Level {
	switch v := value.(type) {
	case map[string]any:
		return c.ClassifyRecord(v)
	case []any:
		result := Public
		for _, item := range v {
			result = MostRestrictive(result, c.classifyValue(item))
		}
		return result
	case []map[string]any:
		result := Public
		for _, item := range v {
			result = MostRestrictive(result, c.ClassifyRecord(item))
		}
		return result
	default:
		return Public
	}
}

// Sanitize returns a copy of record without every top-level field more restrictive
// than maxAllowed. Nested objects are sanitized the same way. Each stripped field
// is logged and reported as a sensitive_field_stripped event.
func (c *Classifier) Sanitize(ctx context.Context, record Record, maxAllowed Level) Record {
	if record == nil {
		return nil
	}
	out := make(Record, len(record))
	for name, value := range record {
		level := c.ClassifyField(name)
		if level.MoreRestrictiveThan(maxAllowed) {
			c.reportStripped(ctx, name, level)
			continue
		}
		out[name] = c.sanitizeValue(ctx, value, maxAllowed)
	}
	return out
}

func (c *Classifier) sanitizeValue(ctx context.Context, value any, maxAllowed Level) any {
	switch v := value.(type) {
	case map[string]any:
		return c.Sanitize(ctx, v, maxAllowed)
	case []any:
		items := make([]any, len(v))
		for i, item := range v {
			items[i] = c.sanitizeValue(ctx, item, maxAllowed)
		}
		return items
	case []map[string]any:
		items := make([]map[string]any, len(v))
		for i, item := range v {
			items[i] = c.Sanitize(ctx, item, maxAllowed)
		}
		return items
	default:
		return value
	}
}

func (c *Classifier) reportStripped(ctx context.Context, field string, level Level) {
	slog.WarnContext(ctx, "sensitive field stripped",
		slog.String("field", field),
		slog.String("level", level.String()),
	)
	c.sink.Emit(metrics.NewEvent(metrics.EventSensitiveFieldStrip, map[string]any{
		"field": field,
		"level": level.String(),
	}))
}
