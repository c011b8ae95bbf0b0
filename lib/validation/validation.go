// Package validation provides reusable input validation functions for the tunnel service.
// All validators follow a consistent pattern: they return nil on success and a descriptive
// error on failure. Errors are designed to be safe to return to clients (no internal details).
package validation

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Common validation errors. These are sentinel errors that can be checked with errors.Is().
var (
	// ErrRequired indicates a required field is missing or empty.
	ErrRequired = errors.New("field is required")

	// ErrTooLong indicates a string exceeds the maximum length.
	ErrTooLong = errors.New("value exceeds maximum length")

	// ErrInvalidFormat indicates a value doesn't match the expected format.
	ErrInvalidFormat = errors.New("invalid format")

	// ErrOutOfRange indicates a numeric value is outside the allowed range.
	ErrOutOfRange = errors.New("value out of range")

	// ErrWrongFamily indicates an address of the wrong IP family.
	ErrWrongFamily = errors.New("wrong address family")
)

// Constraints for tunnel fields.
const (
	// MinMTU is the IPv6 minimum link MTU (RFC 8200). Tunnels always carry
	// an IPv6 address and the kernel drops it from links below this.
	MinMTU = 1280

	// MaxMTU is the largest MTU a TUN interface accepts.
	MaxMTU = 65535

	// MaxAppIDLength bounds disallowed application identifiers.
	MaxAppIDLength = 255

	// MaxSessionNameLength bounds tunnel session names.
	MaxSessionNameLength = 64
)

// Result represents a validation result with field context.
type Result struct {
	Field   string
	Message string
	Err     error
}

// Error implements the error interface.
func (r *Result) Error() string {
	if r.Field != "" {
		return fmt.Sprintf("%s: %s", r.Field, r.Message)
	}
	return r.Message
}

// Unwrap returns the underlying error for errors.Is() support.
func (r *Result) Unwrap() error {
	return r.Err
}

// NewResult creates a validation result.
func NewResult(field, message string, err error) *Result {
	return &Result{
		Field:   field,
		Message: message,
		Err:     err,
	}
}

// Required validates that a string is non-empty.
func Required(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return NewResult(field, "is required", ErrRequired)
	}
	return nil
}

// MaxLength validates that a string doesn't exceed the maximum length.
func MaxLength(field, value string, max int) error {
	if utf8.RuneCountInString(value) > max {
		return NewResult(field, fmt.Sprintf("exceeds maximum length of %d characters", max), ErrTooLong)
	}
	return nil
}

// IntRange validates that an integer is within the given range (inclusive).
func IntRange(field string, value, min, max int) error {
	if value < min || value > max {
		return NewResult(field, fmt.Sprintf("must be between %d and %d", min, max), ErrOutOfRange)
	}
	return nil
}

// Prefix parses an "address/prefix-length" string. The value must split on
// '/' into exactly two parts, the address must be an IP literal and the
// prefix length a decimal number in range for the address family
// ([0,32] for IPv4, [0,128] for IPv6). Host bits are preserved.
func Prefix(field, value string) (netip.Prefix, error) {
	if err := Required(field, value); err != nil {
		return netip.Prefix{}, err
	}

	parts := strings.Split(value, "/")
	if len(parts) != 2 {
		return netip.Prefix{}, NewResult(field, "must be an address and a prefix length (e.g., 10.0.0.1/24)", ErrInvalidFormat)
	}

	addr, err := netip.ParseAddr(parts[0])
	if err != nil || addr.Zone() != "" {
		return netip.Prefix{}, NewResult(field, "address must be an IP literal", ErrInvalidFormat)
	}

	bits, err := prefixLength(parts[1])
	if err != nil {
		return netip.Prefix{}, NewResult(field, "prefix length must be a decimal number", ErrInvalidFormat)
	}

	if err := IntRange(field, bits, 0, addr.BitLen()); err != nil {
		return netip.Prefix{}, NewResult(field,
			fmt.Sprintf("prefix length must be between 0 and %d for %s", addr.BitLen(), family(addr)),
			ErrOutOfRange)
	}

	return netip.PrefixFrom(addr, bits), nil
}

// IPv4Prefix is Prefix restricted to IPv4 addresses.
func IPv4Prefix(field, value string) (netip.Prefix, error) {
	p, err := Prefix(field, value)
	if err != nil {
		return netip.Prefix{}, err
	}
	if !p.Addr().Is4() {
		return netip.Prefix{}, NewResult(field, "must be an IPv4 address", ErrWrongFamily)
	}
	return p, nil
}

// Network is Prefix for route destinations: the address must carry no
// bits beyond the prefix length.
func Network(field, value string) (netip.Prefix, error) {
	p, err := Prefix(field, value)
	if err != nil {
		return netip.Prefix{}, err
	}
	if p.Masked() != p {
		return netip.Prefix{}, NewResult(field,
			fmt.Sprintf("host bits set, did you mean %s?", p.Masked()),
			ErrInvalidFormat)
	}
	return p, nil
}

// Addr parses a bare IP literal (no prefix, no zone).
func Addr(field, value string) (netip.Addr, error) {
	if err := Required(field, value); err != nil {
		return netip.Addr{}, err
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(value))
	if err != nil || addr.Zone() != "" {
		return netip.Addr{}, NewResult(field, "must be an IP literal", ErrInvalidFormat)
	}
	return addr, nil
}

// MTU validates a tunnel MTU.
func MTU(field string, value int) error {
	return IntRange(field, value, MinMTU, MaxMTU)
}

// AppID validates a disallowed application identifier.
func AppID(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	if strings.ContainsAny(value, " \t\r\n") {
		return NewResult(field, "must not contain whitespace", ErrInvalidFormat)
	}
	return MaxLength(field, value, MaxAppIDLength)
}

// SessionName validates a tunnel session name.
func SessionName(field, value string) error {
	if err := Required(field, value); err != nil {
		return err
	}
	return MaxLength(field, value, MaxSessionNameLength)
}

// prefixLength parses digits only; strconv.Atoi alone would accept "+24".
func prefixLength(s string) (int, error) {
	if s == "" {
		return 0, ErrInvalidFormat
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, ErrInvalidFormat
		}
	}
	return strconv.Atoi(s)
}

func family(addr netip.Addr) string {
	if addr.Is4() {
		return "IPv4"
	}
	return "IPv6"
}

// All runs multiple validation functions and returns the first error.
func All(validators ...func() error) error {
	for _, v := range validators {
		if err := v(); err != nil {
			return err
		}
	}
	return nil
}

// Errors collects multiple validation errors.
type Errors []error

// Add appends an error to the collection (nil errors are ignored).
func (e *Errors) Add(err error) {
	if err != nil {
		*e = append(*e, err)
	}
}

// HasErrors returns true if any errors were collected.
func (e Errors) HasErrors() bool {
	return len(e) > 0
}

// Error returns all errors as a single error message.
func (e Errors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var b strings.Builder
	b.WriteString("multiple validation errors: ")
	for i, err := range e {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(err.Error())
	}
	return b.String()
}

// Unwrap exposes the collected errors to errors.Is and errors.As.
func (e Errors) Unwrap() []error {
	return e
}

// First returns the first error, or nil if none.
func (e Errors) First() error {
	if len(e) == 0 {
		return nil
	}
	return e[0]
}
