package money

import (
	"fmt"
	"math/big"
	"strings"
)

// All amount arithmetic happens in base units via big.Int. Human decimal
// conversion exists for display and operator input only.

// ToBaseUnits converts a human decimal amount ("1.5") into a base-unit integer
// string ("1500000" at 6 decimals). Fails when the input has more fractional
// digits than the token allows, rather than rounding silently.
func ToBaseUnits(human string, decimals uint8) (string, error) {
	human = strings.TrimSpace(human)
	if human == "" {
		return "", fmt.Errorf("money: empty amount")
	}
	neg := strings.HasPrefix(human, "-")
	if neg {
		return "", fmt.Errorf("money: negative amount %q", human)
	}

	whole, frac := human, ""
	if i := strings.IndexByte(human, '.'); i >= 0 {
		whole, frac = human[:i], human[i+1:]
	}
	if whole == "" {
		whole = "0"
	}
	if len(frac) > int(decimals) {
		return "", fmt.Errorf("money: amount %q has more than %d fractional digits", human, decimals)
	}
	frac += strings.Repeat("0", int(decimals)-len(frac))

	n, ok := new(big.Int).SetString(whole+frac, 10)
	if !ok {
		return "", fmt.Errorf("money: invalid amount %q", human)
	}
	return n.String(), nil
}

// FromBaseUnits converts a base-unit integer string into a human decimal
// string, trimming trailing fractional zeros.
func FromBaseUnits(base string, decimals uint8) (string, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(base), 10)
	if !ok {
		return "", fmt.Errorf("money: invalid base amount %q", base)
	}
	if n.Sign() < 0 {
		return "", fmt.Errorf("money: negative base amount %q", base)
	}
	if decimals == 0 {
		return n.String(), nil
	}

	s := n.String()
	if len(s) <= int(decimals) {
		s = strings.Repeat("0", int(decimals)-len(s)+1) + s
	}
	cut := len(s) - int(decimals)
	whole, frac := s[:cut], s[cut:]
	frac = strings.TrimRight(frac, "0")
	if frac == "" {
		return whole, nil
	}
	return whole + "." + frac, nil
}

// ParseBaseUnits validates a base-unit amount string and returns it as a big.Int.
func ParseBaseUnits(base string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(strings.TrimSpace(base), 10)
	if !ok {
		return nil, fmt.Errorf("money: invalid base amount %q", base)
	}
	if n.Sign() < 0 {
		return nil, fmt.Errorf("money: negative base amount %q", base)
	}
	return n, nil
}

// CompareBaseUnits compares two base-unit amount strings numerically.
// Returns -1, 0, or 1. Invalid inputs compare as errors.
func CompareBaseUnits(a, b string) (int, error) {
	x, err := ParseBaseUnits(a)
	if err != nil {
		return 0, err
	}
	y, err := ParseBaseUnits(b)
	if err != nil {
		return 0, err
	}
	return x.Cmp(y), nil
}
