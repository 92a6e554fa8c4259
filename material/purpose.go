package material

import "fmt"

// Purpose tags a movement. The set is closed; switches over it are
// expected to be exhaustive.
type Purpose int

const (
	PurposeTransfer Purpose = iota + 1
	PurposeIssue
	PurposeReceipt
	PurposeReturn
	PurposeConsumption
)

var purposeNames = map[Purpose]string{
	PurposeTransfer:    "transfer",
	PurposeIssue:       "issue",
	PurposeReceipt:     "receipt",
	PurposeReturn:      "return",
	PurposeConsumption: "consumption",
}

func (p Purpose) String() string {
	if s, ok := purposeNames[p]; ok {
		return s
	}
	return fmt.Sprintf("purpose(%d)", int(p))
}

// ParsePurpose maps a stored or wire name back to a Purpose.
func ParsePurpose(s string) (Purpose, error) {
	for p, name := range purposeNames {
		if name == s {
			return p, nil
		}
	}
	return 0, Validationf("unknown movement purpose %q", s)
}

func (p Purpose) MarshalText() ([]byte, error) {
	if _, ok := purposeNames[p]; !ok {
		return nil, fmt.Errorf("invalid purpose %d", int(p))
	}
	return []byte(p.String()), nil
}

func (p *Purpose) UnmarshalText(b []byte) error {
	v, err := ParsePurpose(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// NeedsSource reports whether the purpose draws stock from a location.
func (p Purpose) NeedsSource() bool {
	switch p {
	case PurposeTransfer, PurposeIssue, PurposeConsumption:
		return true
	case PurposeReceipt, PurposeReturn:
		return false
	}
	return false
}

// NeedsTarget reports whether the purpose puts stock into a location.
func (p Purpose) NeedsTarget() bool {
	switch p {
	case PurposeTransfer, PurposeReceipt, PurposeReturn:
		return true
	case PurposeIssue, PurposeConsumption:
		return false
	}
	return false
}
