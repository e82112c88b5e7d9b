// Package masking redacts secrets from text before it is persisted or
// surfaced. Quality-gate command output and chat descriptions pass
// through here so leaked credentials never reach runtime files.
package masking

import (
	"log/slog"
	"regexp"
)

// pattern is one named redaction rule.
type pattern struct {
	name        string
	expr        string
	replacement string
}

// builtinPatterns covers the credential shapes that show up in command
// output and agent chatter. Order matters: more specific rules first.
var builtinPatterns = []pattern{
	{
		name:        "ssh_private_key",
		expr:        `-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`,
		replacement: "***MASKED_PRIVATE_KEY***",
	},
	{
		name:        "bearer_token",
		expr:        `(?i)bearer\s+[A-Za-z0-9\-._~+/]{16,}=*`,
		replacement: "Bearer ***MASKED_TOKEN***",
	},
	{
		name:        "github_token",
		expr:        `gh[pousr]_[A-Za-z0-9]{20,}`,
		replacement: "***MASKED_TOKEN***",
	},
	{
		name:        "api_key_assignment",
		expr:        `(?i)(api[_-]?key|apikey|secret|token|password|passwd)(["']?\s*[:=]\s*["']?)[^\s"',;]{6,}`,
		replacement: "$1$2***MASKED***",
	},
	{
		name:        "basic_auth_url",
		expr:        `(https?://)[^/\s:@]+:[^/\s:@]+@`,
		replacement: "$1***MASKED***@",
	},
}

// Masker applies the compiled redaction rules to text. Masking is
// fail-open: an uncompilable rule is skipped at construction and a
// masker never returns an error.
type Masker struct {
	compiled []compiledPattern
}

type compiledPattern struct {
	name        string
	regex       *regexp.Regexp
	replacement string
}

// NewMasker compiles the built-in rules plus any extra expressions.
// Invalid patterns are logged and skipped.
func NewMasker(extra ...pattern) *Masker {
	m := &Masker{}
	for _, p := range append(builtinPatterns, extra...) {
		re, err := regexp.Compile(p.expr)
		if err != nil {
			slog.Error("Failed to compile masking pattern, skipping",
				"pattern", p.name, "error", err)
			continue
		}
		m.compiled = append(m.compiled, compiledPattern{
			name:        p.name,
			regex:       re,
			replacement: p.replacement,
		})
	}
	return m
}

// Mask returns data with every matched secret replaced.
func (m *Masker) Mask(data string) string {
	if data == "" {
		return data
	}
	for _, p := range m.compiled {
		data = p.regex.ReplaceAllString(data, p.replacement)
	}
	return data
}
