package cardgen

import (
	"crypto/rand"
	"fmt"
	"strings"
)

const (
	panLen = 16

	maskedSentinel = "****"
	maskedPrefix   = "**** **** **** "
)

// GeneratePAN returns a 16-digit Luhn-valid PAN starting with bin; sequence, when
// set, overrides the trailing digits before the check digit.
func GeneratePAN(bin, sequence string) (string, error) {
	if err := ValidateBIN(bin); err != nil {
		return "", err
	}

	fill := panLen - 1 - len(bin)
	seq := strings.TrimSpace(sequence)
	if seq != "" {
		if !IsDigits(seq) {
			return "", fmt.Errorf("sequence must be numeric")
		}
		if len(seq) > fill {
			return "", fmt.Errorf("sequence length %d exceeds %d", len(seq), fill)
		}
	}

	digitsPart, err := randomDigits(fill)
	if err != nil {
		return "", fmt.Errorf("rand: %w", err)
	}
	b := []byte(digitsPart)
	if seq != "" {
		copy(b[fill-len(seq):], seq)
	}

	body := bin + string(b)
	return body + luhnCheckDigit(body), nil
}

// randomDigits uses rejection sampling so every digit is equally likely:
// only bytes below 250 are accepted before reducing mod 10.
func randomDigits(count int) (string, error) {
	if count <= 0 {
		return "", nil
	}
	const threshold = 250
	var sb strings.Builder
	sb.Grow(count)
	buf := make([]byte, 64)
	for sb.Len() < count {
		n, err := rand.Read(buf)
		if err != nil {
			return "", err
		}
		for i := 0; i < n && sb.Len() < count; i++ {
			if b := buf[i]; b < threshold {
				sb.WriteByte('0' + (b % 10))
			}
		}
	}
	return sb.String(), nil
}

func luhnCheckDigit(body string) string {
	sum, dbl := 0, true
	for i := len(body) - 1; i >= 0; i-- {
		d := int(body[i] - '0')
		if dbl {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		dbl = !dbl
	}
	cd := (10 - (sum % 10)) % 10
	return string('0' + byte(cd))
}

// LuhnValid reports whether the last digit of pan is its Luhn check digit.
func LuhnValid(pan string) bool {
	if len(pan) < 2 || !IsDigits(pan) {
		return false
	}
	return pan[len(pan)-1] == luhnCheckDigit(pan[:len(pan)-1])[0]
}

// ValidatePAN accepts exactly 16 ASCII digits and nothing else; separators and
// surrounding whitespace are rejected. The Luhn digit is not checked.
func ValidatePAN(p string) error {
	if p == "" {
		return fmt.Errorf("pan is required")
	}
	if !IsDigits(p) {
		return fmt.Errorf("pan must contain digits only")
	}
	if len(p) != panLen {
		return fmt.Errorf("pan must be %d digits (got %d)", panLen, len(p))
	}
	return nil
}

func ValidateBIN(bin string) error {
	if bin == "" {
		return fmt.Errorf("bin is required")
	}
	if !IsDigits(bin) {
		return fmt.Errorf("bin must contain digits only")
	}
	switch len(bin) {
	case 6, 8, 9:
		return nil
	default:
		return fmt.Errorf("bin must be 6, 8, or 9 digits")
	}
}

func IsDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func LastN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// MaskPAN returns the display form of an already decrypted PAN: four masked
// groups followed by the last four characters, or "****" for short input.
func MaskPAN(pan string) string {
	if len(pan) < 4 {
		return maskedSentinel
	}
	return maskedPrefix + LastN(pan, 4)
}

// NormalizePAN strips spaces, tabs and dashes.
func NormalizePAN(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '-':
			return -1
		default:
			return r
		}
	}, s)
}
