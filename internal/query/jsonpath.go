package query

import (
	"strings"

	"datacore/internal/apperr"
)

// parseJSONPath splits the argument of json() into the column and the path
// below it: "data.items[0].name" becomes ("data", ".items[0].name"). Bracket
// segments are kept verbatim; "[*]" selects every element.
func parseJSONPath(arg string) (field, path string, err error) {
	arg = strings.TrimSpace(arg)
	if arg == "" {
		return "", "", apperr.InvalidSyntax("json() requires a field and a path")
	}
	i := strings.IndexAny(arg, ".[")
	if i < 0 {
		return "", "", apperr.InvalidSyntax("json(%s) must select a path below the field, e.g. json(%s.key)", arg, arg)
	}
	if i == 0 {
		return "", "", apperr.InvalidSyntax("json(%s) is missing the field name", arg)
	}
	field, path = arg[:i], arg[i:]
	if err := validateJSONPath(path); err != nil {
		return "", "", err
	}
	return field, path, nil
}

func validateJSONPath(path string) error {
	for pos := 0; pos < len(path); {
		switch path[pos] {
		case '.':
			end := pos + 1
			for end < len(path) && path[end] != '.' && path[end] != '[' {
				end++
			}
			key := path[pos+1 : end]
			if key == "" || strings.ContainsAny(key, " \t\"'") {
				return apperr.InvalidSyntax("invalid json path %q", path)
			}
			pos = end
		case '[':
			end := strings.IndexByte(path[pos:], ']')
			if end < 0 {
				return apperr.InvalidSyntax("unterminated bracket in json path %q", path)
			}
			index := path[pos+1 : pos+end]
			if index != "*" && !isDigits(index) {
				return apperr.InvalidSyntax("invalid index %q in json path %q", index, path)
			}
			pos += end + 1
		default:
			return apperr.InvalidSyntax("invalid json path %q", path)
		}
	}
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
