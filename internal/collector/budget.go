package collector

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

const (
	minSaneBudget = 10
	maxSaneBudget = 100000
)

// PriceRange is the plausible price span for a service.
type PriceRange struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// PriceLookup resolves the price range for a service name.
type PriceLookup interface {
	PriceRange(ctx context.Context, service string) (PriceRange, error)
}

// ValidationError rejects a value for a single field. The caller re-prompts
// that field.
type ValidationError struct {
	Field   Field
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// amountPattern captures the integer part (with optional thousands separators)
// and optional cents.
const amountPattern = `(\d{1,3}(?:,\d{3})+|\d+)(?:\.(\d{1,2}))?`

type budgetRule struct {
	name string
	re   *regexp.Regexp
}

// budgetRules are tried in order against the original-cased text; the first
// rule whose match survives the zip and plausibility checks wins.
var budgetRules = []budgetRule{
	{"dollar-prefix", regexp.MustCompile(`\$\s?` + amountPattern + `\$?`)},
	{"dollar-suffix", regexp.MustCompile(amountPattern + `\s?\$`)},
	{"dollars-word", regexp.MustCompile(`(?i)` + amountPattern + `\s*dollars?\b`)},
	{"context-word", regexp.MustCompile(`(?i)\b(?:budget|cost|price|maximum|max|around|spend)\b\s*(?:is|of|around)?\s*:?\s*\$?` + amountPattern)},
}

var (
	bareAmountRE   = regexp.MustCompile(`^\$?\s?` + amountPattern + `\s?\$?$`)
	dollarsValueRE = regexp.MustCompile(`(?i)^` + amountPattern + `\s*dollars?$`)
)

// amount is a parsed money value.
type amount struct {
	raw    string // integer part as typed, separators removed
	digits string // raw without leading zeros
	cents  string
	value  float64
}

func parseAmount(intPart, cents string) (amount, bool) {
	digits := strings.ReplaceAll(intPart, ",", "")
	if digits == "" {
		return amount{}, false
	}
	raw := digits
	if cents != "" {
		raw += "." + cents
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return amount{}, false
	}
	return amount{raw: digits, digits: strings.TrimLeft(digits, "0"), cents: cents, value: v}, true
}

// String renders the amount as "$250" or "$99.50".
func (a amount) String() string {
	digits := a.digits
	if digits == "" {
		digits = "0"
	}
	if a.cents == "" || strings.Trim(a.cents, "0") == "" {
		return "$" + digits
	}
	cents := a.cents
	if len(cents) == 1 {
		cents += "0"
	}
	return "$" + digits + "." + cents
}

// sameAsZip reports whether the amount is literally the zip code string.
// Leading zeros count: 2134 is not the zip 02134.
func (a amount) sameAsZip(zip string) bool {
	return zip != "" && a.cents == "" && a.raw == zip
}

// ParseBudget reads a budget typed into a form field: "$250", "250",
// "250$", "250 dollars" or "1,200.50".
func ParseBudget(input string) (string, float64, bool) {
	text := strings.TrimSpace(input)
	for _, re := range []*regexp.Regexp{bareAmountRE, dollarsValueRE} {
		if m := re.FindStringSubmatch(text); m != nil {
			if a, ok := parseAmount(m[1], m[2]); ok {
				return a.String(), a.value, true
			}
		}
	}
	return "", 0, false
}

// CheckBudget validates an amount against the basic sanity range and, when
// the service is known, against its price range. A failing price lookup
// degrades to the basic check.
func (c *Collector) CheckBudget(ctx context.Context, service string, value float64) error {
	if value < minSaneBudget || value > maxSaneBudget {
		return &ValidationError{
			Field:   FieldBudget,
			Message: fmt.Sprintf("budget must be between $%d and $%d", minSaneBudget, maxSaneBudget),
		}
	}
	if service == "" || c.prices == nil {
		return nil
	}
	rng, err := c.prices.PriceRange(ctx, service)
	if err != nil {
		c.logger.Warn("price range lookup failed, using basic budget check",
			"service", service,
			"error", err,
		)
		return nil
	}
	if rng.Max > 0 && value > rng.Max {
		return &ValidationError{
			Field:   FieldBudget,
			Message: fmt.Sprintf("budget exceeds the typical maximum of $%.0f for %s", rng.Max, service),
		}
	}
	return nil
}

// NormalizeBudget validates a manually entered budget and returns its
// canonical form.
func (c *Collector) NormalizeBudget(ctx context.Context, service, input string) (string, error) {
	normalized, value, ok := ParseBudget(input)
	if !ok {
		return "", &ValidationError{Field: FieldBudget, Message: "enter a dollar amount such as $250"}
	}
	if err := c.CheckBudget(ctx, service, value); err != nil {
		return "", err
	}
	return normalized, nil
}

// extractBudget runs budgetRules in order. A match equal to the turn's zip or
// the known zip is skipped, as is one that fails the plausibility check.
func (c *Collector) extractBudget(ctx context.Context, text, turnZip string, known Fields) string {
	for _, rule := range budgetRules {
		m := rule.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		a, ok := parseAmount(m[1], m[2])
		if !ok {
			continue
		}
		if a.sameAsZip(turnZip) || a.sameAsZip(known.Zipcode) {
			c.logger.Debug("budget candidate matches zip code, skipping", "rule", rule.name)
			continue
		}
		if err := c.CheckBudget(ctx, known.Service, a.value); err != nil {
			c.logger.Debug("budget candidate rejected", "rule", rule.name, "error", err)
			continue
		}
		return a.String()
	}
	return ""
}
