// Package money implements the wire-boundary codec for the core's branded
// scalars: arbitrary-precision micro-USD amounts, basis points, and the
// account/pool id strings. Every type here round-trips through its
// canonical decimal string form exactly (parse . serialize = id).
package money

import (
	"fmt"
	"math/big"
	"strings"
)

// MicroUSD is a signed, arbitrary-precision quantity denominated in
// micro-USD (1 USD = 1e6 units). The zero value is zero.
type MicroUSD struct {
	v *big.Int
}

// Zero is the additive identity.
func Zero() MicroUSD { return MicroUSD{v: big.NewInt(0)} }

// FromInt64 builds a MicroUSD from a plain int64 count of micro-USD units.
func FromInt64(units int64) MicroUSD { return MicroUSD{v: big.NewInt(units)} }

// FromBigInt builds a MicroUSD from a big.Int, taking ownership of a copy.
func FromBigInt(v *big.Int) MicroUSD {
	if v == nil {
		return Zero()
	}
	return MicroUSD{v: new(big.Int).Set(v)}
}

func (m MicroUSD) bigOrZero() *big.Int {
	if m.v == nil {
		return big.NewInt(0)
	}
	return m.v
}

// Add returns m+other.
func (m MicroUSD) Add(other MicroUSD) MicroUSD {
	return MicroUSD{v: new(big.Int).Add(m.bigOrZero(), other.bigOrZero())}
}

// Sub returns m-other.
func (m MicroUSD) Sub(other MicroUSD) MicroUSD {
	return MicroUSD{v: new(big.Int).Sub(m.bigOrZero(), other.bigOrZero())}
}

// Neg returns -m.
func (m MicroUSD) Neg() MicroUSD {
	return MicroUSD{v: new(big.Int).Neg(m.bigOrZero())}
}

// Cmp matches big.Int.Cmp: -1, 0, or 1.
func (m MicroUSD) Cmp(other MicroUSD) int {
	return m.bigOrZero().Cmp(other.bigOrZero())
}

// Sign returns -1, 0, or 1.
func (m MicroUSD) Sign() int { return m.bigOrZero().Sign() }

// IsZero reports whether m is exactly zero.
func (m MicroUSD) IsZero() bool { return m.bigOrZero().Sign() == 0 }

// BigInt returns a defensive copy of the underlying integer.
func (m MicroUSD) BigInt() *big.Int { return new(big.Int).Set(m.bigOrZero()) }

// Int64 reports the value as an int64. ok is false on overflow.
func (m MicroUSD) Int64() (val int64, ok bool) {
	if !m.bigOrZero().IsInt64() {
		return 0, false
	}
	return m.bigOrZero().Int64(), true
}

// String returns the canonical decimal form: optional leading '-', no
// leading zeros except a bare "0", no '+', no whitespace, no exponent.
// -0 normalizes to "0".
func (m MicroUSD) String() string {
	v := m.bigOrZero()
	if v.Sign() == 0 {
		return "0"
	}
	s := v.String() // big.Int already has no leading zeros / no '+' / no exponent
	return s
}

// MarshalText implements encoding.TextMarshaler.
func (m MicroUSD) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler using the strict parser.
func (m *MicroUSD) UnmarshalText(text []byte) error {
	v, err := ParseMicroUSD(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseMicroUSD parses the strict canonical wire form described on String.
// Any deviation (leading '+', leading zeros, whitespace, exponent, empty
// string) is rejected.
func ParseMicroUSD(s string) (MicroUSD, error) {
	if s == "" {
		return MicroUSD{}, fmt.Errorf("money: empty micro-usd string")
	}
	body := s
	neg := false
	if body[0] == '-' {
		neg = true
		body = body[1:]
	}
	if body == "" {
		return MicroUSD{}, fmt.Errorf("money: invalid micro-usd string %q", s)
	}
	if err := validateDigits(body); err != nil {
		return MicroUSD{}, fmt.Errorf("money: invalid micro-usd string %q: %w", s, err)
	}
	if len(body) > 1 && body[0] == '0' {
		return MicroUSD{}, fmt.Errorf("money: leading zero in %q", s)
	}
	v, ok := new(big.Int).SetString(body, 10)
	if !ok {
		return MicroUSD{}, fmt.Errorf("money: invalid micro-usd string %q", s)
	}
	if neg {
		v.Neg(v)
	}
	if v.Sign() == 0 {
		// -0 (and the already-unsigned 0 case) normalize to the zero value.
		return Zero(), nil
	}
	return MicroUSD{v: v}, nil
}

// ParseMicroUSDLenient accepts a superset of the canonical form from less
// strict producers: a leading '+', leading zeros, and surrounding
// whitespace. normalized reports whether the input differed from its
// canonical serialization.
func ParseMicroUSDLenient(s string) (val MicroUSD, normalized bool, err error) {
	trimmed := strings.TrimSpace(s)
	body := trimmed
	if strings.HasPrefix(body, "+") {
		body = body[1:]
	}
	neg := false
	if strings.HasPrefix(body, "-") {
		neg = true
		body = body[1:]
	}
	if body == "" {
		return MicroUSD{}, false, fmt.Errorf("money: empty micro-usd string")
	}
	if err := validateDigits(body); err != nil {
		return MicroUSD{}, false, fmt.Errorf("money: invalid micro-usd string %q: %w", s, err)
	}
	v, ok := new(big.Int).SetString(body, 10)
	if !ok {
		return MicroUSD{}, false, fmt.Errorf("money: invalid micro-usd string %q", s)
	}
	if neg {
		v.Neg(v)
	}
	result := MicroUSD{v: v}
	if result.IsZero() {
		result = Zero()
	}
	normalized = trimmed != result.String()
	return result, normalized, nil
}

func validateDigits(s string) error {
	if s == "" {
		return fmt.Errorf("no digits")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return fmt.Errorf("non-digit rune %q", r)
		}
	}
	return nil
}
