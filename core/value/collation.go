package value

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"
)

// DefaultCollation is used when a data file does not record one.
const DefaultCollation = "en-US/IgnoreCase"

// BinaryCollation compares strings byte by byte.
const BinaryCollation = "binary"

// Collation orders strings in index keys. A Collator is not safe for
// concurrent use, so comparisons are serialized.
type Collation struct {
	name       string
	tag        language.Tag
	ignoreCase bool
	binary     bool

	mu  sync.Mutex
	col *collate.Collator
}

// ParseCollation accepts "binary" or "<bcp47-tag>[/IgnoreCase]".
func ParseCollation(s string) (*Collation, error) {
	if s == "" {
		s = DefaultCollation
	}
	if strings.EqualFold(s, BinaryCollation) {
		return &Collation{name: BinaryCollation, binary: true}, nil
	}

	parts := strings.Split(s, "/")
	tag, err := language.Parse(parts[0])
	if err != nil {
		return nil, fmt.Errorf("invalid collation %q: %w", s, err)
	}

	c := &Collation{name: s, tag: tag}
	opts := []collate.Option{}
	for _, opt := range parts[1:] {
		switch strings.ToLower(opt) {
		case "ignorecase":
			c.ignoreCase = true
			opts = append(opts, collate.IgnoreCase)
		case "ignorediacritics":
			opts = append(opts, collate.IgnoreDiacritics)
		case "ignorewidth":
			opts = append(opts, collate.IgnoreWidth)
		case "numeric":
			opts = append(opts, collate.Numeric)
		default:
			return nil, fmt.Errorf("invalid collation option %q in %q", opt, s)
		}
	}
	c.col = collate.New(tag, opts...)
	return c, nil
}

// MustParseCollation panics on an invalid collation string.
func MustParseCollation(s string) *Collation {
	c, err := ParseCollation(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c *Collation) String() string { return c.name }

// IgnoreCase reports whether case differences are ignored.
func (c *Collation) IgnoreCase() bool { return c.ignoreCase }

// Compare returns -1, 0 or 1.
func (c *Collation) Compare(a, b string) int {
	if c == nil || c.binary {
		return cmpString(a, b)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.col.CompareString(a, b)
}

// HasPrefix reports whether s starts with prefix under this collation.
func (c *Collation) HasPrefix(s, prefix string) bool {
	if c == nil || c.binary || !c.ignoreCase {
		return strings.HasPrefix(s, prefix)
	}
	n := utf8.RuneCountInString(prefix)
	i := 0
	for pos := range s {
		if i == n {
			return strings.EqualFold(s[:pos], prefix)
		}
		i++
	}
	return i == n && strings.EqualFold(s, prefix)
}
