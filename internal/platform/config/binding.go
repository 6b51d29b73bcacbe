package config

import (
	"strconv"
	"strings"
	"time"
)

// binder reads typed values from a source. Values that are present but unparsable are recorded
// against their field name and reported by validation instead of silently taking the default.
type binder struct {
	src     source
	invalid []string
}

func (b *binder) raw(key string) (string, bool) {
	value, ok := b.src.lookup(key)
	if !ok {
		return "", false
	}
	value = strings.TrimSpace(value)
	return value, value != ""
}

func (b *binder) text(key, fallback string) string {
	if value, ok := b.raw(key); ok {
		return value
	}
	return fallback
}

func (b *binder) duration(field, key string, fallback time.Duration) time.Duration {
	value, ok := b.raw(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		b.invalid = append(b.invalid, field)
		return fallback
	}
	return d
}

func (b *binder) integer(field, key string, fallback int) int {
	value, ok := b.raw(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		b.invalid = append(b.invalid, field)
		return fallback
	}
	return n
}

func (b *binder) amount(field, key string, fallback int64) int64 {
	value, ok := b.raw(key)
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		b.invalid = append(b.invalid, field)
		return fallback
	}
	return n
}
