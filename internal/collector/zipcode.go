package collector

import (
	"regexp"
	"strconv"
	"strings"
)

const (
	lowestZip  = 501
	highestZip = 99950
)

var (
	zipTokenRE = regexp.MustCompile(`\b(\d{5})(?:-\d{4})?\b`)
	zipValueRE = regexp.MustCompile(`^(\d{5})(?:-\d{4})?$`)
	// a token followed by a currency marker is a price, not a zip
	moneySuffixRE = regexp.MustCompile(`(?i)^\s*(?:\$|dollars?\b|[.,]\d)`)
	locationRE    = regexp.MustCompile(`\b(?:[Ii]n|[Nn]ear|[Aa]round)\s+([A-Z][A-Za-z.'-]*(?:\s+[A-Z][A-Za-z.'-]*){0,2})`)
)

func plausibleZip(zip string) bool {
	if zip == "00000" {
		return false
	}
	n, err := strconv.Atoi(zip)
	if err != nil {
		return false
	}
	return n >= lowestZip && n <= highestZip
}

// extractZipcode returns the first standalone 5-digit token when it is a
// plausible US zip. Only the first standalone token is considered.
func extractZipcode(text string) string {
	for _, loc := range zipTokenRE.FindAllStringSubmatchIndex(text, -1) {
		start, end := loc[0], loc[1]
		if start > 0 {
			switch text[start-1] {
			case '$', ',', '.':
				continue
			}
		}
		if moneySuffixRE.MatchString(text[end:]) {
			continue
		}
		zip := text[loc[2]:loc[3]]
		if !plausibleZip(zip) {
			return ""
		}
		return zip
	}
	return ""
}

// ValidateZipcode checks a manually entered zip and returns its 5-digit form.
func ValidateZipcode(input string) (string, error) {
	m := zipValueRE.FindStringSubmatch(strings.TrimSpace(input))
	if m == nil {
		return "", &ValidationError{Field: FieldZipcode, Message: "zip code must be 5 digits"}
	}
	if !plausibleZip(m[1]) {
		return "", &ValidationError{Field: FieldZipcode, Message: "not a valid US zip code"}
	}
	return m[1], nil
}

// extractLocation picks a capitalized place name after in/near/around.
func extractLocation(text string) string {
	m := locationRE.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.TrimRight(m[1], ".'-")
}

// LocationFromHistory returns the most recent location a user mentioned.
func LocationFromHistory(turns []Turn) string {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Sender != SenderUser {
			continue
		}
		if loc := extractLocation(turns[i].Text); loc != "" {
			return loc
		}
	}
	return ""
}
