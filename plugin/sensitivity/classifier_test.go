package sensitivity

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/crmsync/plugin/metrics"
)

func TestClassifyField(t *testing.T) {
	c := NewClassifier(nil, nil)

	tests := []struct {
		field    string
		expected Level
	}{
		{"password", Critical},
		{"userPassword", Critical},
		{"API_KEY", Critical},
		{"card_number", Critical},
		{"email", Personal},
		{"contactEmail", Personal},
		{"cpf", Personal},
		{"homeAddress", Personal},
		{"amount", Business},
		{"dealRevenue", Business},
		{"name", Public},
		{"id", Public},
		{"", Public},
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			assert.Equal(t, tt.expected, c.ClassifyField(tt.field))
		})
	}
}

func TestClassifyField_WordRules(t *testing.T) {
	c := NewClassifier(nil, nil)

	tests := []struct {
		field    string
		expected Level
	}{
		{"pin", Critical},
		{"card_pin", Critical},
		{"userPIN", Critical},
		{"pin-code", Critical},
		{"shipping_method", Public},
		{"shippingAddress", Personal},
		{"opinion", Public},
		{"mapping", Public},
		{"pinned", Public},
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			assert.Equal(t, tt.expected, c.ClassifyField(tt.field))
		})
	}
}

func TestWords(t *testing.T) {
	assert.Equal(t, []string{"user", "pin"}, words("userPIN"))
	assert.Equal(t, []string{"shipping", "method"}, words("shipping_method"))
	assert.Equal(t, []string{"a", "b"}, words("a.b"))
	assert.Empty(t, words(""))
}

func TestClassifyField_MostRestrictiveRuleWins(t *testing.T) {
	c := NewClassifier(nil, nil)
	// Matches both "email" (PERSONAL) and "token" (CRITICAL).
	assert.Equal(t, Critical, c.ClassifyField("email_token"))
}

func TestClassifyRecord(t *testing.T) {
	c := NewClassifier(nil, nil)

	t.Run("Empty", func(t *testing.T) {
		assert.Equal(t, Public, c.ClassifyRecord(nil))
		assert.Equal(t, Public, c.ClassifyRecord(Record{}))
	})

	t.Run("MaximumOverFields", func(t *testing.T) {
		record := Record{"name": "Ana", "email": "ana@example.com", "amount": 10}
		assert.Equal(t, Personal, c.ClassifyRecord(record))
	})

	t.Run("NestedObject", func(t *testing.T) {
		record := Record{"name": "Ana", "billing": map[string]any{"card_number": "4111"}}
		assert.Equal(t, Critical, c.ClassifyRecord(record))
	})

	t.Run("ArrayOfObjects", func(t *testing.T) {
		record := Record{"contacts": []any{
			map[string]any{"name": "a"},
			map[string]any{"phone": "123"},
		}}
		assert.Equal(t, Personal, c.ClassifyRecord(record))
	})

	t.Run("ValueContentIgnored", func(t *testing.T) {
		record := Record{"name": "password"}
		assert.Equal(t, Public, c.ClassifyRecord(record))
	})
}

func TestSanitize(t *testing.T) {
	sink := metrics.NewMockSink()
	c := NewClassifier(nil, sink)
	ctx := context.Background()

	record := Record{
		"id":       "c-1",
		"name":     "Ana",
		"email":    "ana@example.com",
		"password": "hunter2",
		"amount":   100,
		"profile":  map[string]any{"token": "t", "city": "Recife"},
	}

	out := c.Sanitize(ctx, record, Personal)

	assert.Equal(t, "c-1", out["id"])
	assert.Equal(t, "ana@example.com", out["email"])
	assert.Equal(t, 100, out["amount"])
	assert.NotContains(t, out, "password")
	assert.Equal(t, map[string]any{"city": "Recife"}, out["profile"])

	// Input is untouched.
	assert.Contains(t, record, "password")
	assert.Contains(t, record["profile"], "token")

	stripped := sink.Named(metrics.EventSensitiveFieldStrip)
	require.Len(t, stripped, 2)
	fields := []any{stripped[0].Metadata["field"], stripped[1].Metadata["field"]}
	assert.ElementsMatch(t, []any{"password", "token"}, fields)
}

func TestSanitize_PublicStripsEverythingSensitive(t *testing.T) {
	c := NewClassifier(nil, nil)
	out := c.Sanitize(context.Background(), Record{"name": "x", "email": "e", "amount": 1, "pin": "0000"}, Public)
	assert.Equal(t, Record{"name": "x"}, out)
}

func TestSanitize_Nil(t *testing.T) {
	c := NewClassifier(nil, nil)
	assert.Nil(t, c.Sanitize(context.Background(), nil, Public))
}

func TestLevel(t *testing.T) {
	assert.True(t, Critical.MoreRestrictiveThan(Personal))
	assert.False(t, Public.MoreRestrictiveThan(Business))
	assert.Equal(t, Critical, MostRestrictive(Public, Critical, Business))
	assert.Equal(t, Public, MostRestrictive())
	assert.Equal(t, "BUSINESS", Business.String())

	level, err := ParseLevel("personal")
	require.NoError(t, err)
	assert.Equal(t, Personal, level)

	_, err = ParseLevel("secretish")
	assert.Error(t, err)
}

func TestLoadRules(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	content := `
rules:
  - match: iban
    level: PERSONAL
  - match: Margin
    level: business
  - match: tan
    level: CRITICAL
    word: true
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	rules, err := LoadRules(path)
	require.NoError(t, err)
	require.Len(t, rules, 3)
	assert.Equal(t, Rule{Match: "iban", Level: Personal}, rules[0])
	assert.Equal(t, Rule{Match: "tan", Level: Critical, Word: true}, rules[2])

	c := NewClassifier(rules, nil)
	assert.Equal(t, Personal, c.ClassifyField("customerIBAN"))
	assert.Equal(t, Business, c.ClassifyField("grossMargin"))
	assert.Equal(t, Critical, c.ClassifyField("otpTan"))
	assert.Equal(t, Public, c.ClassifyField("constant"))
	// Custom tables replace the defaults.
	assert.Equal(t, Public, c.ClassifyField("password"))
}

func TestLoadRules_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadRules(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("rules:\n  - match: x\n    level: TOP\n"), 0o600))
	_, err = LoadRules(bad)
	assert.Error(t, err)

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("rules:\n  - match: ''\n    level: PUBLIC\n"), 0o600))
	_, err = LoadRules(empty)
	assert.Error(t, err)
}
