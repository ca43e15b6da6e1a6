package candidate

import (
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/text/unicode/norm"

	"github.com/ledgerline/invoicescan/internal/model"
)

// Normalize canonicalizes a raw extraction for consensus grouping: two
// candidates agree exactly when their normalized values are equal.
func Normalize(ft model.FieldType, raw string) string {
	s := collapse(norm.NFKC.String(raw))
	switch ft {
	case model.FieldMoney:
		if m, err := ParseMoney(s); err == nil {
			return m.String()
		}
		return s
	case model.FieldDate:
		if d, ok := parseDate(s); ok {
			return d.Format("2006-01-02")
		}
		return s
	case model.FieldNumber:
		return strings.ReplaceAll(s, ",", "")
	case model.FieldID:
		return strings.ToUpper(strings.Trim(s, " .,:;"))
	default:
		return strings.Trim(s, " .,:;")
	}
}

// ParseMoney parses a currency amount like "$1,234.56" into cents.
func ParseMoney(s string) (model.Money, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r == '.', r == '-':
			return r
		case r == ',', r == '$', r == '€', r == '£', r == ' ':
			return -1
		default:
			return r
		}
	}, strings.TrimSpace(s))
	if cleaned == "" {
		return 0, eris.Errorf("candidate: not an amount: %q", s)
	}

	neg := false
	if strings.HasPrefix(cleaned, "-") {
		neg = true
		cleaned = cleaned[1:]
	}

	whole, frac, _ := strings.Cut(cleaned, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 2 {
		return 0, eris.Errorf("candidate: not an amount: %q", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "candidate: parse amount %q", s)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, eris.Wrapf(err, "candidate: parse amount %q", s)
	}

	cents := w*100 + f
	if neg {
		cents = -cents
	}
	return model.Money(cents), nil
}

var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"01/02/06",
	"1/2/06",
	"2 Jan 2006",
	"2 January 2006",
	"2 Jan. 2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"02.01.2006",
}

func parseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// collapse trims and squeezes runs of whitespace to single spaces.
func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
