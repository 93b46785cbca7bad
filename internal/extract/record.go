package extract

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrFailureLine is returned by ParseRecord for the failure marker.
	ErrFailureLine = errors.New("extract: line is the failure marker")
	// ErrMalformedLine is returned when a line is not canonical.
	ErrMalformedLine = errors.New("extract: malformed record line")
)

// Record is a canonical line split into fields.
type Record struct {
	Date         string
	Kind         string
	ID           string
	Counterparty string
	Amount       string
	Cents        int64
	// FileName is filled by callers that know the source file.
	FileName string
}

// String renders the record back into its canonical line.
func (r Record) String() string {
	return formatLine(r.Date, r.Kind, r.ID, r.Counterparty, r.Amount)
}

// ParseRecord splits a canonical line. A lone name after VENDA (the cash
// form "DD-MM VENDA DINHEIRO N") is the counterparty, not an id.
func ParseRecord(line string) (Record, error) {
	line = strings.TrimSpace(line)
	if line == FailureMarker {
		return Record{}, ErrFailureLine
	}
	tokens := strings.Fields(line)
	if len(tokens) < 3 {
		return Record{}, fmt.Errorf("%w: %q", ErrMalformedLine, line)
	}
	m := dateTokenRe.FindStringSubmatch(tokens[0])
	if m == nil {
		return Record{}, fmt.Errorf("%w: bad date in %q", ErrMalformedLine, line)
	}
	date, ok := normalizeDate(m[1], m[2])
	if !ok {
		return Record{}, fmt.Errorf("%w: bad date in %q", ErrMalformedLine, line)
	}
	cents, ok := ParseCents(tokens[len(tokens)-1])
	if !ok {
		return Record{}, fmt.Errorf("%w: bad amount in %q", ErrMalformedLine, line)
	}

	rec := Record{Date: date, Amount: FormatCents(cents), Cents: cents}
	middle := tokens[1 : len(tokens)-1]
	switch {
	case len(middle) >= 2 && strings.EqualFold(middle[0], "VENDA"):
		rec.Kind = "VENDA"
		if len(middle) == 2 {
			rec.Counterparty = middle[1]
		} else {
			rec.ID = middle[1]
			rec.Counterparty = strings.Join(middle[2:], " ")
		}
	default:
		rec.Counterparty = strings.Join(middle, " ")
	}
	if rec.Counterparty == "" {
		return Record{}, fmt.Errorf("%w: missing counterparty in %q", ErrMalformedLine, line)
	}
	return rec, nil
}
