// Package batchcode generates and validates production batch codes of the
// form DYM-DDS: decade letter, year letter, month letter, two-digit day
// and a one-digit sequence within the day.
package batchcode

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"matflow/material"
)

// MaxSequence is the highest sequence a day can carry.
const MaxSequence = 9

var codeRe = regexp.MustCompile(`(?i)^[A-Z]{3}-\d{3}$`)

// Prefix returns the code without its sequence digit, e.g. "CGB-15" for
// 2026-02-15.
func Prefix(date time.Time) string {
	y := date.Year()
	decade := 'A' + rune((y/10)%10)
	year := 'A' + rune(y%10)
	month := 'A' + rune(date.Month()-1)
	return fmt.Sprintf("%c%c%c-%02d", decade, year, month, date.Day())
}

// Generate returns the batch code for date and sequence (1-9).
func Generate(date time.Time, seq int) (string, error) {
	if seq < 1 || seq > MaxSequence {
		return "", material.Validationf("batch sequence must be between 1 and %d, got %d", MaxSequence, seq)
	}
	return fmt.Sprintf("%s%d", Prefix(date), seq), nil
}

// NextSequence returns one more than the highest sequence among existing
// codes for date, starting at 1 and capped at MaxSequence.
func NextSequence(date time.Time, existing []string) int {
	prefix := Prefix(date)
	high := 0
	for _, code := range existing {
		code = strings.ToUpper(strings.TrimSpace(code))
		if len(code) != len(prefix)+1 || !strings.HasPrefix(code, prefix) {
			continue
		}
		if d := code[len(prefix)]; d >= '0' && d <= '9' && int(d-'0') > high {
			high = int(d - '0')
		}
	}
	if high >= MaxSequence {
		return MaxSequence
	}
	return high + 1
}

// Validate checks the format of a batch code. Letters may be lower case.
func Validate(code string) error {
	code = strings.TrimSpace(code)
	if code == "" {
		return material.Validationf("batch code is required")
	}
	if !codeRe.MatchString(code) {
		return material.Validationf("batch code %q must look like ABC-123", code)
	}
	return nil
}
