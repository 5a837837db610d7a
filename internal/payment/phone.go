package payment

import (
	"fmt"
	"strings"
)

// dialCodes maps the Airtel country codes we collect in to their calling
// codes.
var dialCodes = map[string]string{
	"KE": "254",
	"UG": "256",
	"TZ": "255",
	"RW": "250",
	"ZM": "260",
	"MW": "265",
}

// normalizeMSISDN converts a local or international number into
// <dialCode><9 digits>.  Spaces, dashes, dots and parentheses are ignored.
//
//	0712345678     -> 254712345678
//	+254712345678  -> 254712345678
//	712345678      -> 254712345678
func normalizeMSISDN(raw, dialCode string) (string, error) {
	var b strings.Builder
	for _, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && b.Len() == 0:
		case r == ' ', r == '-', r == '.', r == '(', r == ')':
		default:
			return "", fmt.Errorf("%w: unexpected character %q", ErrInvalidPhone, r)
		}
	}
	d := b.String()
	switch {
	case strings.HasPrefix(d, dialCode) && len(d) == len(dialCode)+9:
	case strings.HasPrefix(d, "0") && len(d) == 10:
		d = dialCode + d[1:]
	case len(d) == 9:
		d = dialCode + d
	default:
		return "", fmt.Errorf("%w: %d digits", ErrInvalidPhone, len(d))
	}
	return d, nil
}
