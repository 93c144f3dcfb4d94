package types

import "fmt"

// Category is the coarse risk bucket derived from a risk score.
// Values are ordered by severity so they compare with < and >.
type Category int

const (
	Low Category = iota
	Moderate
	High
	Critical
)

var categoryNames = [...]string{
	Low:      "low",
	Moderate: "moderate",
	High:     "high",
	Critical: "critical",
}

// String returns the lowercase name of the category.
func (c Category) String() string {
	if c < Low || c > Critical {
		return fmt.Sprintf("category(%d)", int(c))
	}
	return categoryNames[c]
}

// Alerting reports whether observations in this category count towards alerts.
func (c Category) Alerting() bool {
	return c == High || c == Critical
}

// MarshalText implements encoding.TextMarshaler.
func (c Category) MarshalText() ([]byte, error) {
	if c < Low || c > Critical {
		return nil, fmt.Errorf("types: invalid category %d", int(c))
	}
	return []byte(categoryNames[c]), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Category) UnmarshalText(b []byte) error {
	parsed, err := ParseCategory(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// ParseCategory converts a lowercase category name back to a Category.
func ParseCategory(s string) (Category, error) {
	for i, name := range categoryNames {
		if name == s {
			return Category(i), nil
		}
	}
	return Low, fmt.Errorf("types: unknown category %q", s)
}
