package collector

import (
	"regexp"
	"strings"
)

// NoSpecialRequirements is stored when the user says they have none.
const NoSpecialRequirements = "No special requirements"

// requirementRule decides whether a turn is a requirement. decided stops
// evaluation; an empty value with decided set means "not a requirement".
type requirementRule struct {
	name  string
	apply func(c *Collector, text string) (value string, decided bool)
}

// requirementRules run in order, first decision wins.
var requirementRules = []requirementRule{
	{"question", (*Collector).questionRule},
	{"simple-value", (*Collector).simpleValueRule},
	{"negation", (*Collector).negationRule},
	{"isolated-clause", (*Collector).isolatedClauseRule},
	{"multi-word", (*Collector).multiWordRule},
}

// questionWords open a question on their own.
var questionWords = map[string]bool{
	"what": true, "what's": true, "whats": true, "how": true, "when": true,
	"where": true, "why": true, "who": true, "which": true,
}

// auxiliaries open a question only when a subject follows ("do you",
// "is there"); otherwise they can start an instruction ("do the sink").
var auxiliaries = map[string]bool{
	"can": true, "could": true, "would": true, "will": true, "do": true,
	"does": true, "did": true, "is": true, "are": true, "should": true,
	"may": true,
}

var questionSubjects = map[string]bool{
	"i": true, "you": true, "we": true, "they": true, "he": true, "she": true,
	"it": true, "there": true, "this": true, "that": true, "your": true,
	"someone": true, "somebody": true, "anyone": true, "anybody": true,
}

var negationPhrases = []string{
	"no requirement",
	"no preference",
	"no special",
	"nothing specific",
	"nothing special",
	"nothing in particular",
	"no particular",
}

var serviceKeywords = []string{
	"repair", "install", "fix", "clean", "plumb", "electric", "paint",
	"leak", "replace", "remodel", "roof", "hvac", "mow", "move", "pest",
}

var leadInREs = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\ball i (?:really )?(?:want|need) is\s+(.+)`),
	regexp.MustCompile(`(?i)\bi(?:'d| would) like\s+(?:to (?:have|get)\s+)?(.+)`),
	regexp.MustCompile(`(?i)\bi (?:need|want)\s+(?:someone to\s+|somebody to\s+|help with\s+)?(.+)`),
	regexp.MustCompile(`(?i)\blooking for\s+(?:someone (?:to|who can)\s+)?(.+)`),
}

// trailingRefREs mark where budget, zip or location talk begins inside a clause.
var trailingRefREs = []*regexp.Regexp{
	regexp.MustCompile(`(?i)[,;]?\s*\b(?:and\s+)?(?:my\s+|the\s+|a\s+)?(?:budget|cost|price|max|maximum|spend|zip|zipcode)\b`),
	regexp.MustCompile(`[,;]?\s*\b(?:[Ii]n|[Nn]ear|[Aa]round)\s+[A-Z]`),
	regexp.MustCompile(`[,;]?\s*\$\s?\d`),
	regexp.MustCompile(`[,;]?\s*\b\d{5}\b`),
	regexp.MustCompile(`(?i)[,;]?\s*\b\d[\d,]*\s*(?:\$|dollars?\b)`),
}

// ClassifyAsRequirement decides whether a user turn states the job
// requirements. It returns the requirement text and true, or false when the
// turn is a question, a bare value, a service name or too short.
func (c *Collector) ClassifyAsRequirement(text string) (string, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", false
	}
	for _, rule := range requirementRules {
		value, decided := rule.apply(c, text)
		if !decided {
			continue
		}
		c.logger.Debug("requirement rule decided", "rule", rule.name, "requirement", value != "")
		return value, value != ""
	}
	return "", false
}

func (c *Collector) questionRule(text string) (string, bool) {
	if strings.HasSuffix(text, "?") {
		return "", true
	}
	words := strings.Fields(strings.ToLower(text))
	first := strings.Trim(words[0], ",.!")
	if questionWords[first] {
		return "", true
	}
	if auxiliaries[first] && len(words) > 1 && questionSubjects[strings.Trim(words[1], ",.!")] {
		return "", true
	}
	return "", false
}

func (c *Collector) simpleValueRule(text string) (string, bool) {
	switch {
	case zipValueRE.MatchString(text),
		bareAmountRE.MatchString(text),
		dollarsValueRE.MatchString(text),
		c.catalog.IsServiceName(text):
		return "", true
	}
	return "", false
}

func (c *Collector) negationRule(text string) (string, bool) {
	lower := strings.ToLower(text)
	for _, p := range negationPhrases {
		if strings.Contains(lower, p) {
			return NoSpecialRequirements, true
		}
	}
	return "", false
}

func (c *Collector) isolatedClauseRule(text string) (string, bool) {
	if len(text) <= 20 || !c.hasOtherSignals(text) {
		return "", false
	}
	clause := text
	for _, re := range leadInREs {
		if m := re.FindStringSubmatch(text); m != nil {
			clause = m[1]
			break
		}
	}
	clause = stripTrailingReferences(clause)
	if len(clause) < 3 {
		return text, true
	}
	return clause, true
}

func (c *Collector) multiWordRule(text string) (string, bool) {
	if len(strings.Fields(text)) > 1 && len(text) > 5 {
		return text, true
	}
	return "", false
}

// hasOtherSignals reports whether a turn also carries a zip, a budget or
// service-domain vocabulary.
func (c *Collector) hasOtherSignals(text string) bool {
	if zipTokenRE.MatchString(text) {
		return true
	}
	for _, rule := range budgetRules {
		if rule.re.MatchString(text) {
			return true
		}
	}
	lower := strings.ToLower(text)
	for _, kw := range serviceKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return c.catalog.mentionsService(lower)
}

func stripTrailingReferences(clause string) string {
	cut := len(clause)
	for _, re := range trailingRefREs {
		if loc := re.FindStringIndex(clause); loc != nil && loc[0] < cut {
			cut = loc[0]
		}
	}
	return strings.TrimSpace(strings.TrimRight(strings.TrimSpace(clause[:cut]), ",.;:!-"))
}
