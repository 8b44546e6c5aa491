// Package validation provides input validation for point identifiers.
package validation

import (
	"fmt"
	"strings"
	"unicode"
)

// =============================================================================
// Name Validation
// =============================================================================

// NameRules defines the validation rules for identifiers.
type NameRules struct {
	MinLength    int
	MaxLength    int
	AllowDots    bool
	AllowHyphens bool
	AllowUnders  bool
	AllowColons  bool
}

// XIDRules returns the rules for external point identifiers such as
// "plant1.tank:level".
func XIDRules() NameRules {
	return NameRules{
		MinLength:    1,
		MaxLength:    128,
		AllowDots:    true,
		AllowHyphens: true,
		AllowUnders:  true,
		AllowColons:  true,
	}
}

// ValidateName validates a name according to the given rules.
func ValidateName(name string, rules NameRules) error {
	if len(name) < rules.MinLength {
		return fmt.Errorf("name too short: minimum %d characters required", rules.MinLength)
	}
	if len(name) > rules.MaxLength {
		return fmt.Errorf("name too long: maximum %d characters allowed", rules.MaxLength)
	}

	if strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return fmt.Errorf("name cannot start or end with '.'")
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("name cannot contain '..'")
	}

	for i, r := range name {
		if r < 32 || r == 127 {
			return fmt.Errorf("name cannot contain control characters at position %d", i)
		}
		if r == '/' || r == '\\' {
			return fmt.Errorf("name cannot contain path separators at position %d", i)
		}
		if !isAllowedNameChar(r, rules) {
			return fmt.Errorf("invalid character '%c' at position %d", r, i)
		}
	}

	return nil
}

func isAllowedNameChar(r rune, rules NameRules) bool {
	if unicode.IsLetter(r) || unicode.IsDigit(r) {
		return true
	}
	switch r {
	case '.':
		return rules.AllowDots
	case '-':
		return rules.AllowHyphens
	case '_':
		return rules.AllowUnders
	case ':':
		return rules.AllowColons
	}
	return false
}

// ValidateXID validates an external point identifier.
func ValidateXID(xid string) error {
	return ValidateName(xid, XIDRules())
}

// =============================================================================
// Unit Validation
// =============================================================================

// MaxUnitLength bounds engineering unit strings.
const MaxUnitLength = 32

// ValidateUnit validates an engineering unit such as "m³/h". Empty is valid.
func ValidateUnit(unit string) error {
	if len(unit) > MaxUnitLength {
		return fmt.Errorf("unit too long: maximum %d bytes allowed", MaxUnitLength)
	}
	for i, r := range unit {
		if unicode.IsControl(r) {
			return fmt.Errorf("unit cannot contain control characters at position %d", i)
		}
	}
	if strings.TrimSpace(unit) != unit {
		return fmt.Errorf("unit cannot start or end with whitespace")
	}
	return nil
}

// =============================================================================
// XID Lists
// =============================================================================

// ParseXIDList parses a comma separated list of identifiers, e.g.
// "tank.level,pump.running". Whitespace around entries is ignored.
// Duplicates are rejected.
func ParseXIDList(list string) ([]string, error) {
	if strings.TrimSpace(list) == "" {
		return nil, fmt.Errorf("empty identifier list")
	}

	parts := strings.Split(list, ",")
	xids := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for i, part := range parts {
		xid := strings.TrimSpace(part)
		if xid == "" {
			return nil, fmt.Errorf("empty identifier at position %d", i+1)
		}
		if err := ValidateXID(xid); err != nil {
			return nil, fmt.Errorf("identifier %q: %w", xid, err)
		}
		if _, ok := seen[xid]; ok {
			return nil, fmt.Errorf("duplicate identifier %q", xid)
		}
		seen[xid] = struct{}{}
		xids = append(xids, xid)
	}
	return xids, nil
}
