package scan

import (
	"strings"
	"unicode"

	"matflow/config"
	"matflow/material"
)

// NormalizeBatch applies the whitespace policy to a batch identifier.
// Leading and trailing whitespace is always trimmed.
func NormalizeBatch(batch string, policy config.NormalizationPolicy, replacement string) (string, error) {
	batch = strings.TrimSpace(batch)
	if !strings.ContainsFunc(batch, unicode.IsSpace) {
		return batch, nil
	}
	switch policy {
	case config.NormalizeReject:
		return "", material.Validationf("batch %q contains whitespace", batch)
	case config.NormalizeConvert:
		return strings.Join(strings.FieldsFunc(batch, unicode.IsSpace), replacement), nil
	case config.NormalizeAllow:
		return batch, nil
	default:
		return "", material.Configurationf("unknown code normalization policy %q", policy)
	}
}
