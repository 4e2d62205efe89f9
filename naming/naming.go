// Package naming converts entity names between the shapes the
// generated artifacts use: snake_case table and module names,
// kebab-case URL segments, PascalCase schema names and plural
// collection names. Every stage that renders code or routes goes
// through this package so the same entity never ends up spelled two
// ways in two artifacts.
package naming

import (
	"strings"
	"unicode"
)

// Snake converts a name to snake_case. Camel humps become word
// boundaries and existing separators are normalized, so UserLink,
// user-link and "User Link" all map to user_link.
func Snake(name string) string {
	return delimit(name, '_')
}

// Kebab converts a name to kebab-case, the form URL path segments use.
func Kebab(name string) string {
	return delimit(name, '-')
}

// Pascal converts a name to PascalCase, the form OpenAPI schema names
// and generated model classes use.
func Pascal(name string) string {
	var b strings.Builder
	for _, part := range strings.FieldsFunc(name, isSeparator) {
		runes := []rune(part)
		b.WriteRune(unicode.ToUpper(runes[0]))
		b.WriteString(string(runes[1:]))
	}
	return b.String()
}

// Camel converts a name to camelCase, the form generated JavaScript
// identifiers use.
func Camel(name string) string {
	p := Pascal(name)
	if p == "" {
		return p
	}
	runes := []rune(p)
	runes[0] = unicode.ToLower(runes[0])
	return string(runes)
}

// Plural pluralizes the final word of an already-cased name:
// recipe -> recipes, status -> statuses, category -> categories,
// user_box -> user_boxes. The rules are deliberately small; entity
// names coming out of the contract are regular English nouns, and a
// wrong guess still yields a consistent, usable identifier.
func Plural(name string) string {
	if name == "" {
		return name
	}
	switch {
	case strings.HasSuffix(name, "s"),
		strings.HasSuffix(name, "x"),
		strings.HasSuffix(name, "z"),
		strings.HasSuffix(name, "ch"),
		strings.HasSuffix(name, "sh"):
		return name + "es"
	case strings.HasSuffix(name, "y") && len(name) > 1 && !isVowel(rune(name[len(name)-2])):
		return name[:len(name)-1] + "ies"
	default:
		return name + "s"
	}
}

// Table returns the relational table name for an entity: plural
// snake_case.
func Table(entity string) string {
	return Plural(Snake(entity))
}

// Collection returns the document collection name for an entity.
// Collections share the relational naming so hybrid plans stay
// greppable across both stores.
func Collection(entity string) string {
	return Plural(Snake(entity))
}

// Route returns the URL path segment for an entity: plural kebab-case.
func Route(entity string) string {
	return Plural(Kebab(entity))
}

func delimit(name string, sep rune) string {
	runes := []rune(name)
	var b strings.Builder
	b.Grow(len(runes) + 4)
	lastSep := true
	for i, r := range runes {
		switch {
		case isSeparator(r):
			if !lastSep {
				b.WriteRune(sep)
				lastSep = true
			}
		case unicode.IsUpper(r):
			if !lastSep && boundaryBefore(runes, i) {
				b.WriteRune(sep)
			}
			b.WriteRune(unicode.ToLower(r))
			lastSep = false
		default:
			b.WriteRune(r)
			lastSep = false
		}
	}
	return strings.TrimRight(b.String(), string(sep))
}

// boundaryBefore reports whether the uppercase rune at i starts a new
// word: after a lowercase or digit (userLink), or ending an acronym
// run when the next rune is lowercase (APIKey -> api_key).
func boundaryBefore(runes []rune, i int) bool {
	prev := runes[i-1]
	if unicode.IsLower(prev) || unicode.IsDigit(prev) {
		return true
	}
	return unicode.IsUpper(prev) && i+1 < len(runes) && unicode.IsLower(runes[i+1])
}

func isSeparator(r rune) bool {
	return r == '_' || r == '-' || r == ' ' || r == '.'
}

func isVowel(r rune) bool {
	switch unicode.ToLower(r) {
	case 'a', 'e', 'i', 'o', 'u':
		return true
	}
	return false
}
