package expiry

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the wire and storage form of an expiry date.
const DateLayout = "2006-01-02"

var productYears = map[string]int{"credit": 3, "debit": 5}

// YearsForProduct returns validity years for product unless override>0.
func YearsForProduct(product string, override int) int {
	if override > 0 {
		return override
	}
	if y, ok := productYears[strings.ToLower(product)]; ok {
		return y
	}
	return 5
}

// CardFace returns expiry as MM/YY for an issue date + years.
func CardFace(issue time.Time, years int, loc *time.Location) string {
	t := issue.In(orUTC(loc))
	y := (t.Year() + years) % 100
	return fmt.Sprintf("%02d/%02d", int(t.Month()), y)
}

// Civil drops the clock part of t as observed in loc and returns that
// calendar date at midnight UTC. All expiry comparisons run on civil dates.
func Civil(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(orUTC(loc)).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Today is the civil date of now in loc.
func Today(now time.Time, loc *time.Location) time.Time {
	return Civil(now, loc)
}

// IsPast reports whether the expiry date lies strictly before today in loc.
// A card expiring today is still valid.
func IsPast(expireDate, now time.Time, loc *time.Location) bool {
	return Civil(expireDate, time.UTC).Before(Today(now, loc))
}

// Format renders a civil date as YYYY-MM-DD.
func Format(d time.Time) string {
	return d.Format(DateLayout)
}

// ParseExpireDate accepts "YYYY-MM-DD" or a card face ("MM/YY", "MMYY").
// Card faces resolve to the last day of that month.
func ParseExpireDate(in string) (time.Time, error) {
	s := strings.TrimSpace(in)
	if s == "" {
		return time.Time{}, fmt.Errorf("expire date is required")
	}
	if len(s) == len(DateLayout) {
		d, err := time.ParseInLocation(DateLayout, s, time.UTC)
		if err != nil {
			return time.Time{}, fmt.Errorf("expire date must be YYYY-MM-DD: %w", err)
		}
		return d, nil
	}
	yymm, err := ParseCardFace(s)
	if err != nil {
		return time.Time{}, err
	}
	return LastDayOfMonth(yymm)
}

// LastDayOfMonth parses YYMM into the civil date of that month's last day.
func LastDayOfMonth(yymm string) (time.Time, error) {
	if err := ValidateYYMM(yymm); err != nil {
		return time.Time{}, err
	}
	yy, _ := strconv.Atoi(yymm[:2])
	mm, _ := strconv.Atoi(yymm[2:])
	firstNext := time.Date(2000+yy, time.Month(mm), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return firstNext.AddDate(0, 0, -1), nil
}

// ParseCardFace accepts "MM/YY" or "MMYY" and returns YYMM.
func ParseCardFace(in string) (string, error) {
	s := strings.TrimSpace(in)
	s = strings.ReplaceAll(s, "/", "")
	if len(s) != 4 {
		return "", fmt.Errorf("card face must be MM/YY or MMYY")
	}
	for i := 0; i < 4; i++ {
		if s[i] < '0' || s[i] > '9' {
			return "", fmt.Errorf("card face must be digits")
		}
	}
	mm, _ := strconv.Atoi(s[:2])
	if mm < 1 || mm > 12 {
		return "", fmt.Errorf("month must be 01..12")
	}
	return s[2:] + fmt.Sprintf("%02d", mm), nil
}

// ValidateYYMM checks the YYMM shape and that the month is 01..12.
func ValidateYYMM(yymm string) error {
	if len(yymm) != 4 {
		return fmt.Errorf("expiry must be YYMM (4 digits)")
	}
	for i := 0; i < 4; i++ {
		if yymm[i] < '0' || yymm[i] > '9' {
			return fmt.Errorf("expiry must be digits: YYMM")
		}
	}
	mm := int(yymm[2]-'0')*10 + int(yymm[3]-'0')
	if mm < 1 || mm > 12 {
		return fmt.Errorf("expiry month must be 01..12")
	}
	return nil
}

// LoadLocation resolves an IANA zone name, falling back to UTC for "".
func LoadLocation(name string) (*time.Location, error) {
	if strings.TrimSpace(name) == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(name)
}

func orUTC(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}
