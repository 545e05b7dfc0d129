package rules

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// regexPrefix marks a rule pattern as a raw regular expression
const regexPrefix = "re:"

// CompilePattern compiles a rule pattern into a case-insensitive regexp.
// Globs support *, **, ? and [...] classes; patterns without a separator
// match at any depth. Patterns prefixed with "re:" are used as-is.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, fmt.Errorf("empty pattern")
	}

	if strings.HasPrefix(pattern, regexPrefix) {
		expr := strings.TrimPrefix(pattern, regexPrefix)
		if expr == "" {
			return nil, fmt.Errorf("empty regular expression")
		}
		re, err := regexp.Compile("(?i)" + expr)
		if err != nil {
			return nil, fmt.Errorf("invalid regular expression: %w", err)
		}
		return re, nil
	}

	pattern = NormalizePattern(pattern)
	if !strings.Contains(pattern, "/") && !strings.HasPrefix(pattern, "**") {
		pattern = "**/" + pattern
	}

	expr, err := globToRegex(pattern)
	if err != nil {
		return nil, err
	}
	return regexp.Compile(expr)
}

// globToRegex converts a glob pattern to a regular expression
func globToRegex(pattern string) (string, error) {
	var regex strings.Builder
	regex.WriteString("(?i)^")

	i := 0
	for i < len(pattern) {
		switch pattern[i] {
		case '*':
			if i+1 < len(pattern) && pattern[i+1] == '*' {
				if i+2 < len(pattern) && pattern[i+2] == '/' {
					// **/ matches zero or more leading directories
					regex.WriteString("(?:.*/)?")
					i += 3
				} else {
					regex.WriteString(".*")
					i += 2
				}
			} else {
				regex.WriteString("[^/]*")
				i++
			}
		case '?':
			regex.WriteString("[^/]")
			i++
		case '[':
			j := i + 1
			if j < len(pattern) && pattern[j] == '!' {
				regex.WriteString("[^")
				j++
			} else {
				regex.WriteString("[")
			}

			start := j
			for j < len(pattern) && pattern[j] != ']' {
				if pattern[j] == '\\' && j+1 < len(pattern) {
					regex.WriteByte(pattern[j])
					regex.WriteByte(pattern[j+1])
					j += 2
				} else {
					regex.WriteByte(pattern[j])
					j++
				}
			}

			if j >= len(pattern) {
				return "", fmt.Errorf("unclosed character class in %q", pattern)
			}
			if j == start {
				return "", fmt.Errorf("empty character class in %q", pattern)
			}
			regex.WriteByte(']')
			i = j + 1
		case '\\':
			if i+1 < len(pattern) {
				regex.WriteString(regexp.QuoteMeta(string(pattern[i+1])))
				i += 2
			} else {
				return "", fmt.Errorf("trailing escape in %q", pattern)
			}
		case '.', '+', '^', '$', '(', ')', '{', '}', '|':
			regex.WriteByte('\\')
			regex.WriteByte(pattern[i])
			i++
		default:
			regex.WriteByte(pattern[i])
			i++
		}
	}

	regex.WriteString("$")
	return regex.String(), nil
}

// NormalizePattern normalizes a file pattern. Backslashes are glob
// escapes, so rule files always use "/" as the separator.
func NormalizePattern(pattern string) string {
	pattern = strings.TrimPrefix(pattern, "./")
	return strings.TrimSuffix(pattern, "/")
}

// NormalizePath converts a relative path to the slash form patterns match against
func NormalizePath(path string) string {
	return strings.TrimPrefix(filepath.ToSlash(path), "./")
}
