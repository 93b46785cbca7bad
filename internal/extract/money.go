package extract

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// NormalizeAmount rewrites a monetary token in comma-decimal form with two
// fraction digits and no thousands separator ("1.234,5" -> "1234,50").
//
// Separator rule: with both "." and "," present, "." groups thousands and
// "," is the decimal mark. With only one of them present it is the decimal
// mark; when it repeats, the last occurrence is.
func NormalizeAmount(s string) (string, bool) {
	cents, ok := ParseCents(s)
	if !ok {
		return "", false
	}
	return FormatCents(cents), true
}

// ParseCents parses a monetary token into cents.
func ParseCents(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "R$")
	s = strings.TrimSpace(s)
	negative := false
	if strings.HasPrefix(s, "-") {
		negative = true
		s = s[1:]
	}
	if s == "" {
		return 0, false
	}
	for _, r := range s {
		if (r < '0' || r > '9') && r != '.' && r != ',' {
			return 0, false
		}
	}

	hasDot := strings.Contains(s, ".")
	hasComma := strings.Contains(s, ",")
	var intPart, fracPart string
	switch {
	case hasDot && hasComma:
		s = strings.ReplaceAll(s, ".", "")
		intPart, fracPart = splitLast(s, ",")
	case hasComma:
		intPart, fracPart = splitLast(s, ",")
	case hasDot:
		intPart, fracPart = splitLast(s, ".")
	default:
		intPart = s
	}
	intPart = strings.NewReplacer(".", "", ",", "").Replace(intPart)
	if intPart == "" {
		intPart = "0"
	}
	if strings.ContainsAny(fracPart, ".,") {
		return 0, false
	}

	units, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil || units > math.MaxInt64/100-1 {
		return 0, false
	}
	cents := units * 100
	switch {
	case len(fracPart) == 1:
		cents += int64(fracPart[0]-'0') * 10
	case len(fracPart) >= 2:
		cents += int64(fracPart[0]-'0')*10 + int64(fracPart[1]-'0')
		if len(fracPart) > 2 && fracPart[2] >= '5' {
			cents++
		}
	}
	if negative {
		cents = -cents
	}
	return cents, true
}

// FormatCents renders cents as "1234,56".
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d,%02d", sign, cents/100, cents%100)
}

func splitLast(s, sep string) (string, string) {
	i := strings.LastIndex(s, sep)
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i+1:]
}
