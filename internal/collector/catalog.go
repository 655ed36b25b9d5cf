package collector

import "strings"

// Service is a catalog entry offered on the marketplace.
type Service struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// Catalog is the list of bookable services.
type Catalog []Service

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ExactMatch returns the catalog name or category that text equals,
// ignoring case and surrounding whitespace. Names win over categories.
func (c Catalog) ExactMatch(text string) (string, bool) {
	want := normalizeName(text)
	if want == "" {
		return "", false
	}
	for _, s := range c {
		if normalizeName(s.Name) == want {
			return s.Name, true
		}
	}
	for _, s := range c {
		if s.Category != "" && normalizeName(s.Category) == want {
			return s.Category, true
		}
	}
	return "", false
}

// IsServiceName reports whether text is exactly a catalog name or category.
func (c Catalog) IsServiceName(text string) bool {
	_, ok := c.ExactMatch(text)
	return ok
}

// FindMatchingServices returns every entry whose name or category contains
// keyword. The caller picks; nothing here resolves ambiguity.
func (c Catalog) FindMatchingServices(keyword string) []Service {
	kw := normalizeName(keyword)
	if kw == "" {
		return nil
	}
	var out []Service
	seen := make(map[string]bool)
	for _, s := range c {
		if !strings.Contains(normalizeName(s.Name), kw) && !strings.Contains(normalizeName(s.Category), kw) {
			continue
		}
		key := s.ID
		if key == "" {
			key = normalizeName(s.Name)
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, s)
	}
	return out
}

// mentionsService reports whether any catalog name or category occurs inside text.
func (c Catalog) mentionsService(lower string) bool {
	for _, s := range c {
		if n := normalizeName(s.Name); n != "" && strings.Contains(lower, n) {
			return true
		}
		if n := normalizeName(s.Category); n != "" && strings.Contains(lower, n) {
			return true
		}
	}
	return false
}
