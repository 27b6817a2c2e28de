package schema

import "strings"

// DefaultLanguage is the initial shared language of a room.
const DefaultLanguage = LanguageTag("cpp")

// languages is the closed set of execution-backend language tags.
var languages = []LanguageTag{
	"python3", "java", "cpp", "javascript", "nodejs", "c", "ruby", "go",
	"scala", "bash", "sql", "pascal", "csharp", "php", "swift", "rust", "r",
}

// Languages returns the supported language tags in display order.
func Languages() []LanguageTag {
	return append([]LanguageTag(nil), languages...)
}

// NormalizeLanguage validates a language tag against the supported set.
func NormalizeLanguage(value string) (LanguageTag, error) {
	trimmed := strings.TrimSpace(strings.ToLower(value))
	if trimmed == "" {
		return "", ErrInvalidLanguage
	}
	for _, lang := range languages {
		if LanguageTag(trimmed) == lang {
			return lang, nil
		}
	}
	return "", ErrInvalidLanguage
}
