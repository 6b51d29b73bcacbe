// Package identifiers generates and validates the human-facing order numbers and tracking codes
// printed on receipts and parcels. Every function here is pure apart from the random source.
package identifiers

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"regexp"
	"strings"
	"time"
)

const (
	dateLayout        = "20060102"
	orderDigits       = 4
	trackingAlnumLen  = 6
	trackingHexLen    = 6
	trackingAlphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	defaultOrderPfx   = "ORD"
	defaultTrackPfx   = "TRK"
	maxPrefixLength   = 8
	minPrefixLength   = 2
	orderNumberSuffix = `-[0-9]{8}-[0-9]{4}$`
	trackingSuffix    = `-[0-9]{8}-[A-Z0-9]{6}-[0-9a-f]{6}$`
)

var (
	// ErrMalformed is returned when an identifier does not match its fixed-width grammar.
	ErrMalformed = errors.New("identifiers: malformed identifier")

	prefixPattern   = regexp.MustCompile(`^[A-Z]{2,8}$`)
	orderNumberExpr = regexp.MustCompile(`^[A-Z]{2,8}` + orderNumberSuffix)
	trackingExpr    = regexp.MustCompile(`^[A-Z]{2,8}` + trackingSuffix)
)

// NewOrderNumber returns "{PREFIX}-{YYYYMMDD}-{NNNN}". The random part only has 10^4 values per
// day, so callers must rely on a storage uniqueness constraint and regenerate on collision.
func NewOrderNumber(prefix string, now time.Time, rnd io.Reader) (string, error) {
	prefix, err := normalizePrefix(prefix, defaultOrderPfx)
	if err != nil {
		return "", err
	}
	if rnd == nil {
		rnd = rand.Reader
	}
	n, err := rand.Int(rnd, big.NewInt(10000))
	if err != nil {
		return "", fmt.Errorf("identifiers: draw order number: %w", err)
	}
	return fmt.Sprintf("%s-%s-%0*d", prefix, now.UTC().Format(dateLayout), orderDigits, n.Int64()), nil
}

// NewTrackingCode returns "{PREFIX}-{YYYYMMDD}-{6 alnum}-{6 hex}". The alnum segment is drawn from
// rnd (crypto/rand when nil); the hex segment is derived from orderID so it can be cross-checked.
func NewTrackingCode(prefix, orderID string, now time.Time, rnd io.Reader) (string, error) {
	prefix, err := normalizePrefix(prefix, defaultTrackPfx)
	if err != nil {
		return "", err
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return "", errors.New("identifiers: order id is required for tracking code")
	}
	if rnd == nil {
		rnd = rand.Reader
	}
	alphabetSize := big.NewInt(int64(len(trackingAlphabet)))
	var b strings.Builder
	b.Grow(trackingAlnumLen)
	for i := 0; i < trackingAlnumLen; i++ {
		idx, err := rand.Int(rnd, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("identifiers: draw tracking code: %w", err)
		}
		b.WriteByte(trackingAlphabet[idx.Int64()])
	}
	return fmt.Sprintf("%s-%s-%s-%s", prefix, now.UTC().Format(dateLayout), b.String(), orderFragment(orderID)), nil
}

// ValidOrderNumber checks the fixed-width order number grammar.
func ValidOrderNumber(value string) bool {
	return orderNumberExpr.MatchString(value) && validDate(segment(value, 1))
}

// ValidTrackingCode checks the fixed-width tracking code grammar.
func ValidTrackingCode(value string) bool {
	return trackingExpr.MatchString(value) && validDate(segment(value, 1))
}

// ParseOrderNumberDate extracts the creation date embedded in an order number.
func ParseOrderNumberDate(value string) (time.Time, error) {
	if !orderNumberExpr.MatchString(value) {
		return time.Time{}, ErrMalformed
	}
	return parseDate(segment(value, 1))
}

// ParseTrackingDate extracts the creation date embedded in a tracking code.
func ParseTrackingDate(value string) (time.Time, error) {
	if !trackingExpr.MatchString(value) {
		return time.Time{}, ErrMalformed
	}
	return parseDate(segment(value, 1))
}

// TrackingCodeMatchesOrder re-derives the hex fragment from orderID and compares it with the code.
func TrackingCodeMatchesOrder(code, orderID string) bool {
	if !ValidTrackingCode(code) || strings.TrimSpace(orderID) == "" {
		return false
	}
	return segment(code, 3) == orderFragment(strings.TrimSpace(orderID))
}

func orderFragment(orderID string) string {
	sum := sha256.Sum256([]byte(orderID))
	return hex.EncodeToString(sum[:])[:trackingHexLen]
}

func normalizePrefix(prefix, fallback string) (string, error) {
	prefix = strings.ToUpper(strings.TrimSpace(prefix))
	if prefix == "" {
		prefix = fallback
	}
	if len(prefix) < minPrefixLength || len(prefix) > maxPrefixLength || !prefixPattern.MatchString(prefix) {
		return "", fmt.Errorf("identifiers: invalid prefix %q", prefix)
	}
	return prefix, nil
}

func segment(value string, idx int) string {
	parts := strings.Split(value, "-")
	if idx < 0 || idx >= len(parts) {
		return ""
	}
	return parts[idx]
}

func validDate(value string) bool {
	_, err := parseDate(value)
	return err == nil
}

func parseDate(value string) (time.Time, error) {
	parsed, err := time.ParseInLocation(dateLayout, value, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return parsed, nil
}
