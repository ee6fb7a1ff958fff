package agent

import (
	"fmt"
	"strings"
	"unicode"
)

// aliases maps a normalized field name to profile keys that can answer it
var aliases = map[string][]string{
	"name":          {"full_name", "name"},
	"full_name":     {"full_name", "name"},
	"fullname":      {"full_name", "name"},
	"your_name":     {"full_name", "name"},
	"first_name":    {"first_name"},
	"last_name":     {"last_name"},
	"email":         {"email"},
	"e_mail":        {"email"},
	"email_address": {"email"},
	"phone":         {"phone"},
	"phone_number":  {"phone"},
	"mobile":        {"phone"},
	"linkedin":      {"linkedin_url"},
	"linkedin_url":  {"linkedin_url"},
	"github":        {"github_url"},
	"github_url":    {"github_url"},
	"portfolio":     {"portfolio_url"},
	"website":       {"portfolio_url"},
	"location":      {"location"},
	"city":          {"location"},
}

var consentWords = []string{"agree", "terms", "consent", "privacy", "acknowledge"}

// normalize lowercases s and collapses every run of non-alphanumerics into one underscore
func normalize(s string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

func lookup(values map[string]string, key string) (string, bool) {
	want := normalize(key)
	if want == "" {
		return "", false
	}
	for k, v := range values {
		if normalize(k) == want && strings.TrimSpace(v) != "" {
			return v, true
		}
	}
	return "", false
}

// resolveField finds a value for f from the user's answers, then the profile.
// The boolean is false when nothing trustworthy is available.
func resolveField(f Field, rc RunContext) (string, bool) {
	keys := []string{f.Name, f.Label}

	for _, k := range keys {
		if v, ok := lookup(rc.Answers, k); ok {
			return v, true
		}
	}
	for _, k := range keys {
		if v, ok := lookup(rc.Profile, k); ok {
			return v, true
		}
		for _, alias := range aliases[normalize(k)] {
			if v, ok := lookup(rc.Profile, alias); ok {
				return v, true
			}
		}
	}

	if f.Type == "checkbox" {
		text := strings.ToLower(f.Name + " " + f.Label)
		for _, w := range consentWords {
			if strings.Contains(text, w) {
				return "true", true
			}
		}
	}
	return "", false
}

// fieldKey is the key the user will answer under
func fieldKey(f Field) string {
	if f.Name != "" {
		return f.Name
	}
	return normalize(f.Label)
}

func questionFor(f Field) string {
	if f.Question != "" {
		return f.Question
	}
	label := f.Label
	if label == "" {
		label = f.Name
	}
	return fmt.Sprintf("What should I enter for '%s'?", label)
}
