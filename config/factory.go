package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// CloseMode gates the line-level Close Production operation.
type CloseMode string

const (
	CloseNoValidation      CloseMode = "no_validation"
	CloseAllRunsEnded      CloseMode = "all_runs_ended"
	CloseMinimumEndedCount CloseMode = "minimum_ended_count"
)

// NormalizationPolicy controls embedded whitespace in scanned or
// ingested batch identifiers.
type NormalizationPolicy string

const (
	NormalizeReject  NormalizationPolicy = "reject"
	NormalizeConvert NormalizationPolicy = "convert"
	NormalizeAllow   NormalizationPolicy = "allow"
)

// LineConfig maps a production line to its stock locations.
type LineConfig struct {
	Staging           string   `yaml:"staging" json:"staging"`
	PackagingStaging  string   `yaml:"packaging_staging" json:"packaging_staging"`
	WIP               string   `yaml:"wip" json:"wip"`
	FinishedGoods     string   `yaml:"finished_goods" json:"finished_goods"`
	AllowedItemGroups []string `yaml:"allowed_item_groups" json:"allowed_item_groups"`
}

// FactoryConfig is the policy value handed to every engine component.
type FactoryConfig struct {
	DuplicateScanTTL         time.Duration         `yaml:"duplicate_scan_ttl" json:"duplicate_scan_ttl"`
	OverConsumptionThreshold float64               `yaml:"over_consumption_threshold" json:"over_consumption_threshold"`
	OverConsumptionHardLimit bool                  `yaml:"over_consumption_hard_limit" json:"over_consumption_hard_limit"`
	CloseValidationMode      CloseMode             `yaml:"close_validation_mode" json:"close_validation_mode"`
	MinEndedCount            int                   `yaml:"min_ended_count" json:"min_ended_count"`
	CodeNormalizationPolicy  NormalizationPolicy   `yaml:"code_normalization_policy" json:"code_normalization_policy"`
	BatchSpaceReplacement    string                `yaml:"batch_space_replacement" json:"batch_space_replacement"`
	ConsumeOnScan            bool                  `yaml:"consume_on_scan" json:"consume_on_scan"`
	RequirePackagingInBOM    bool                  `yaml:"require_packaging_in_bom" json:"require_packaging_in_bom"`
	PackagingGroups          []string              `yaml:"packaging_groups" json:"packaging_groups"`
	SemiFinishedGroups       []string              `yaml:"semi_finished_groups" json:"semi_finished_groups"`
	MaxActiveOperators       int                   `yaml:"max_active_operators" json:"max_active_operators"`
	DefaultWarehouse         string                `yaml:"default_warehouse" json:"default_warehouse"`
	Lines                    map[string]LineConfig `yaml:"lines" json:"lines"`
}

func DefaultFactory() FactoryConfig {
	return FactoryConfig{
		DuplicateScanTTL:         45 * time.Second,
		OverConsumptionThreshold: 1.5,
		CloseValidationMode:      CloseAllRunsEnded,
		MinEndedCount:            1,
		CodeNormalizationPolicy:  NormalizeConvert,
		BatchSpaceReplacement:    "_",
		ConsumeOnScan:            true,
		PackagingGroups:          []string{"packaging", "cartons", "films", "labels"},
		SemiFinishedGroups:       []string{"semi-finished", "sfg"},
		MaxActiveOperators:       2,
		DefaultWarehouse:         "Stores",
		Lines:                    map[string]LineConfig{},
	}
}

// Clone returns a deep copy.
func (f FactoryConfig) Clone() FactoryConfig {
	out := f
	out.PackagingGroups = append([]string(nil), f.PackagingGroups...)
	out.SemiFinishedGroups = append([]string(nil), f.SemiFinishedGroups...)
	out.Lines = make(map[string]LineConfig, len(f.Lines))
	for k, v := range f.Lines {
		v.AllowedItemGroups = append([]string(nil), v.AllowedItemGroups...)
		out.Lines[k] = v
	}
	return out
}

// Validate reports settings no engine operation can work with.
func (f FactoryConfig) Validate() error {
	if f.DuplicateScanTTL < 0 {
		return fmt.Errorf("duplicate_scan_ttl must not be negative")
	}
	if f.OverConsumptionThreshold <= 0 {
		return fmt.Errorf("over_consumption_threshold must be positive")
	}
	switch f.CloseValidationMode {
	case CloseNoValidation, CloseAllRunsEnded:
	case CloseMinimumEndedCount:
		if f.MinEndedCount < 1 {
			return fmt.Errorf("min_ended_count must be at least 1 for %s", f.CloseValidationMode)
		}
	default:
		return fmt.Errorf("unknown close_validation_mode %q", f.CloseValidationMode)
	}
	switch f.CodeNormalizationPolicy {
	case NormalizeReject, NormalizeAllow:
	case NormalizeConvert:
		if f.BatchSpaceReplacement == "" {
			return fmt.Errorf("batch_space_replacement is required for %s", f.CodeNormalizationPolicy)
		}
	default:
		return fmt.Errorf("unknown code_normalization_policy %q", f.CodeNormalizationPolicy)
	}
	if f.MaxActiveOperators < 0 {
		return fmt.Errorf("max_active_operators must not be negative")
	}
	return nil
}

// OverConsumptionRatio returns the threshold as a decimal multiplier.
func (f FactoryConfig) OverConsumptionRatio() decimal.Decimal {
	return decimal.NewFromFloat(f.OverConsumptionThreshold)
}

// Line returns the location mapping for a line, with empty entries
// filled from the default warehouse.
func (f FactoryConfig) Line(line string) LineConfig {
	lc := f.Lines[line]
	if lc.Staging == "" {
		lc.Staging = f.DefaultWarehouse
	}
	if lc.PackagingStaging == "" {
		lc.PackagingStaging = lc.Staging
	}
	if lc.WIP == "" {
		lc.WIP = f.DefaultWarehouse
	}
	if lc.FinishedGoods == "" {
		lc.FinishedGoods = f.DefaultWarehouse
	}
	return lc
}

// AllowedGroups returns the lowercased item-group allowlist for a line.
// An empty set means every group is allowed.
func (f FactoryConfig) AllowedGroups(line string) map[string]struct{} {
	lc, ok := f.Lines[line]
	if !ok || len(lc.AllowedItemGroups) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(lc.AllowedItemGroups))
	for _, g := range lc.AllowedItemGroups {
		g = strings.ToLower(strings.TrimSpace(g))
		if g != "" {
			out[g] = struct{}{}
		}
	}
	return out
}

// IsPackagingGroup reports whether an item group counts as packaging.
// Matching is by substring, so "Packaging - Films" qualifies.
func (f FactoryConfig) IsPackagingGroup(group string) bool {
	return containsAny(group, f.PackagingGroups)
}

// IsSemiFinishedGroup reports whether an item group is a semi-finished good.
func (f FactoryConfig) IsSemiFinishedGroup(group string) bool {
	return containsAny(group, f.SemiFinishedGroups)
}

func containsAny(group string, needles []string) bool {
	group = strings.ToLower(group)
	if group == "" {
		return false
	}
	for _, n := range needles {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" && strings.Contains(group, n) {
			return true
		}
	}
	return false
}
