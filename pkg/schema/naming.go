package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// NestingSeparator joins parent and field names for flattened columns and
// child table names.
const NestingSeparator = "__"

// Naming converts raw field labels into destination-safe snake_case
// identifiers. The same rules apply to table and column names, so
// normalization output is valid for any supported destination.
type Naming struct {
	// MaxLength truncates identifiers with a hash tag; 0 means unlimited.
	MaxLength int
	// CaseFold treats source labels differing only in case as the same
	// field (snake_case_ci).
	CaseFold bool
}

// NewNaming builds a Naming from the configured convention.
func NewNaming(convention string, maxLength int) Naming {
	return Naming{
		MaxLength: maxLength,
		CaseFold:  convention == "snake_case_ci",
	}
}

// NormalizeIdentifier deterministically converts a raw label to a
// destination-safe identifier: camelCase becomes snake_case, anything that
// is not a letter, digit, or underscore becomes an underscore, runs
// collapse, and the result is lowercased. Identifiers starting with a digit
// gain a leading underscore.
func (n Naming) NormalizeIdentifier(raw string) string {
	if raw == "" {
		return "_empty"
	}

	var b strings.Builder
	b.Grow(len(raw) + 4)

	runes := []rune(raw)
	for i, r := range runes {
		switch {
		case unicode.IsUpper(r):
			// Boundary before an upper that follows a lower/digit, or
			// starts the tail of an acronym (HTTPStatus -> http_status).
			if i > 0 {
				prev := runes[i-1]
				nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			b.WriteRune(unicode.ToLower(r))
		default:
			b.WriteByte('_')
		}
	}

	id := collapseUnderscores(b.String())
	id = strings.TrimRight(id, "_")

	if id == "" {
		return "_empty"
	}
	if id[0] >= '0' && id[0] <= '9' {
		id = "_" + id
	}

	return n.Shorten(id)
}

// NormalizePath joins already-raw path segments into one flattened column
// name, normalizing each segment.
func (n Naming) NormalizePath(parts ...string) string {
	normalized := make([]string, len(parts))
	for i, p := range parts {
		normalized[i] = n.NormalizeIdentifier(p)
	}
	return n.Shorten(strings.Join(normalized, NestingSeparator))
}

// ChildTableName names the child table spawned by a list field. The parent
// name is expected to be normalized already.
func (n Naming) ChildTableName(parent, field string) string {
	return n.Shorten(parent + NestingSeparator + n.NormalizeIdentifier(field))
}

// Shorten enforces MaxLength by truncating and appending an 8-hex content
// tag, keeping long identifiers unique and deterministic.
func (n Naming) Shorten(id string) string {
	if n.MaxLength <= 0 || len(id) <= n.MaxLength {
		return id
	}
	if n.MaxLength <= 12 {
		return id[:n.MaxLength]
	}

	sum := sha256.Sum256([]byte(id))
	tag := hex.EncodeToString(sum[:4])
	return id[:n.MaxLength-9] + "_" + tag
}

// SameSource reports whether two source labels refer to the same field
// under the convention's case rules.
func (n Naming) SameSource(a, b string) bool {
	if a == b {
		return true
	}
	return n.CaseFold && strings.EqualFold(a, b)
}

func collapseUnderscores(s string) string {
	if !strings.Contains(s, "__") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	prev := rune(0)
	for _, r := range s {
		if r == '_' && prev == '_' {
			continue
		}
		b.WriteRune(r)
		prev = r
	}
	return b.String()
}
