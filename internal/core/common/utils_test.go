package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	type verdict struct {
		Contradicts bool `json:"contradicts"`
	}
	v, err := ParseJSON[verdict]("```json\n{\"contradicts\": true}\n```")
	require.NoError(t, err)
	assert.True(t, v.Contradicts)

	_, err = ParseJSON[verdict]("no object here")
	assert.Error(t, err)
}

func TestSemanticHash(t *testing.T) {
	a := SemanticHash("Uptime SLA: 99.9%")
	b := SemanticHash("  uptime   sla 99.9 ")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, SemanticHash("uptime sla 99.5"))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "iso 27001 certification", Normalize("ISO-27001  Certification!"))
	assert.Equal(t, "sla is 99.9%", Normalize("SLA is 99.9%."))
	assert.Equal(t, "iso27001", Compact("ISO 27001"))
	assert.Equal(t, []string{"cloud", "platform"}, Tokens("Cloud, Platform."))
	assert.Equal(t, "uptime_sla", NormalizeKey("Uptime SLA"))
}

func TestFactValuesEqual(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"99.9%", "99.90%", true},
		{"99.9%", "99.5%", false},
		{"ISO27001", "ISO 27001", true},
		{"Cloud Platform", "cloud platform", true},
		{"1,000", "1000", true},
		{"monthly", "weekly", false},
		{"NaN", "NaN", true},
		{"NaN", "99.9%", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FactValuesEqual(tt.a, tt.b), "%q vs %q", tt.a, tt.b)
	}
}

func TestParseNumber(t *testing.T) {
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"99.9%", 99.9, true},
		{" 1,000 ", 1000, true},
		{"-2.5", -2.5, true},
		{"", 0, false},
		{"%", 0, false},
		{"abc", 0, false},
		{"NaN", 0, false},
		{"nan%", 0, false},
		{"Inf", 0, false},
		{"-Infinity", 0, false},
		{"1e999", 0, false},
	}
	for _, tt := range tests {
		got, ok := ParseNumber(tt.in)
		assert.Equal(t, tt.ok, ok, "%q", tt.in)
		assert.Equal(t, tt.want, got, "%q", tt.in)
	}
}
