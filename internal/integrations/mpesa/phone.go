package mpesa

import (
	"strings"

	"github.com/pkg/errors"
)

var ErrInvalidPhone = errors.New("not a Kenyan mobile number")

// NormalizePhone brings a Kenyan mobile number to the 2547XXXXXXXX /
// 2541XXXXXXXX form the provider expects. Accepted inputs:
// "0712345678", "0112345678", "712345678", "+254712345678",
// "254712345678", with spaces and dashes ignored.
func NormalizePhone(raw string) (string, error) {
	s := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')':
			return -1
		}
		return r
	}, strings.TrimSpace(raw))

	s = strings.TrimPrefix(s, "+")

	switch {
	case strings.HasPrefix(s, "254"):
		// already country-coded
	case strings.HasPrefix(s, "0") && len(s) == 10:
		s = "254" + s[1:]
	case len(s) == 9 && (s[0] == '7' || s[0] == '1'):
		s = "254" + s
	default:
		return "", errors.Wrapf(ErrInvalidPhone, "%q", raw)
	}

	if len(s) != 12 {
		return "", errors.Wrapf(ErrInvalidPhone, "%q", raw)
	}
	if s[3] != '7' && s[3] != '1' {
		return "", errors.Wrapf(ErrInvalidPhone, "%q", raw)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", errors.Wrapf(ErrInvalidPhone, "%q", raw)
		}
	}
	return s, nil
}
