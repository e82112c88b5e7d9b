package retry

import "strings"

// Category buckets a terminal error for escalation routing.
type Category string

const (
	CategoryAIConnection Category = "ai_connection"
	CategoryToolCall     Category = "tool_call"
	CategoryGit          Category = "git"
	CategoryContainer    Category = "container"
	CategoryTimeout      Category = "timeout"
	CategoryValidation   Category = "validation"
	CategoryUnknown      Category = "unknown"
)

// Code returns the stable errors.log code for the category, e.g.
// "GIT_ERROR".
func (c Category) Code() string {
	return strings.ToUpper(string(c)) + "_ERROR"
}

// RecommendedAction maps the category to the follow-up a manager
// should take when a worker fails terminally.
func (c Category) RecommendedAction() string {
	switch c {
	case CategoryAIConnection, CategoryTimeout:
		return "reassign"
	case CategoryGit, CategoryContainer:
		return "manual_review"
	default:
		return "escalate"
	}
}

// classifyRules are evaluated in order. git and container come before
// ai_connection so that "git clone failed: connection refused" stays
// git.
var classifyRules = []struct {
	category Category
	keywords []string
}{
	{CategoryGit, []string{"git", "merge conflict", "repository"}},
	{CategoryContainer, []string{"container", "docker", "image pull"}},
	{CategoryAIConnection, []string{"connection", "econnrefused", "api key", "unavailable", "rate limit"}},
	{CategoryToolCall, []string{"tool call", "tool_call", "tool execution"}},
	{CategoryTimeout, []string{"timeout", "timed out", "deadline exceeded"}},
	{CategoryValidation, []string{"validation", "invalid", "schema"}},
}

// Classify buckets an error by keyword match against its message.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}
	msg := strings.ToLower(err.Error())
	for _, rule := range classifyRules {
		for _, kw := range rule.keywords {
			if strings.Contains(msg, kw) {
				return rule.category
			}
		}
	}
	return CategoryUnknown
}
