package ai

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testVerdict struct {
	Detected   bool     `json:"detected"`
	Confidence float64  `json:"confidence"`
	Tags       []string `json:"tags"`
}

func TestParse(t *testing.T) {
	want := testVerdict{Detected: true, Confidence: 0.8, Tags: []string{"a"}}

	tests := []struct {
		name  string
		input string
	}{
		{"direct", `{"detected": true, "confidence": 0.8, "tags": ["a"]}`},
		{"json fence", "```json\n{\"detected\": true, \"confidence\": 0.8, \"tags\": [\"a\"]}\n```"},
		{"bare fence", "```\n{\"detected\": true, \"confidence\": 0.8, \"tags\": [\"a\"]}\n```"},
		{"fence without newlines", "```json{\"detected\": true, \"confidence\": 0.8, \"tags\": [\"a\"]}```"},
		{"trailing commas", `{"detected": true, "confidence": 0.8, "tags": ["a",],}`},
		{"unquoted keys", `{detected: true, confidence: 0.8, tags: ["a"]}`},
		{"line comments", "{\n  // verdict\n  \"detected\": true,\n  \"confidence\": 0.8,\n  \"tags\": [\"a\"]\n}"},
		{"block comment", `{"detected": true, /* sure */ "confidence": 0.8, "tags": ["a"]}`},
		{"mixed content", "Here is my analysis:\n{\"detected\": true, \"confidence\": 0.8, \"tags\": [\"a\"]}\nHope that helps."},
		{"fence inside prose", "Sure.\n```json\n{\"detected\": true, \"confidence\": 0.8, \"tags\": [\"a\"]}\n```\nDone."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Parse[testVerdict](tt.input, DefaultParseOptions("test"))
			require.True(t, result.Success, result.Error)
			assert.Equal(t, want, result.Data)
			assert.Equal(t, tt.input, result.OriginalText)
		})
	}
}

func TestParseURLInString(t *testing.T) {
	result := Parse[map[string]string](`{"url": "https://example.com/x"}`, DefaultParseOptions(""))
	require.True(t, result.Success)
	assert.Equal(t, "https://example.com/x", result.Data["url"])

	fenced := Parse[map[string]string]("```json\n{\"url\": \"https://example.com/x\",}\n```", DefaultParseOptions(""))
	require.True(t, fenced.Success, fenced.Error)
	assert.Equal(t, "https://example.com/x", fenced.Data["url"])
}

func TestParseFailures(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		opts    ParseOptions
		wantErr string
	}{
		{"empty", "   ", DefaultParseOptions(""), "empty input"},
		{"no json", "I could not decide.", DefaultParseOptions("verdict"), "verdict: all JSON parsing strategies failed"},
		{"cleanup disabled", "```json\n{}\n```", ParseOptions{}, "invalid character"},
		{"too large", strings.Repeat("x", 20), ParseOptions{MaxInputSize: 10}, "input exceeds size limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := Parse[testVerdict](tt.input, tt.opts)
			assert.False(t, result.Success)
			assert.Contains(t, result.Error, tt.wantErr)
		})
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"object", `prefix {"a": {"b": 1}} suffix`, `{"a": {"b": 1}}`},
		{"array of objects keeps array", `[{"id": 1}, {"id": 2}]`, `[{"id": 1}, {"id": 2}]`},
		{"array in prose", `the list: [1, 2, 3]`, `[1, 2, 3]`},
		{"nothing", `no json here`, ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, extractJSON(tt.input))
		})
	}
}

func TestRemoveCodeFences(t *testing.T) {
	assert.Equal(t, `{"a":1}`, removeCodeFences("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, removeCodeFences("`{\"a\":1}`"))
	assert.Equal(t, `{"a":1}`, removeCodeFences(`{"a":1}`))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab...", truncate("abcdef", 2))
	assert.Equal(t, "a...", truncate("aéé", 2), "never splits a rune")
}
