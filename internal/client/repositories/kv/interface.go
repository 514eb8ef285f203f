// Package kv is the persistent key/value area the record store writes to.
// Values are text tokens; the area has a byte quota and a Set that would
// exceed it fails with ErrQuotaExceeded. Stores never retry and never cache.
package kv

import (
	"context"
	"errors"
)

var ErrQuotaExceeded = errors.New("kv: storage quota exceeded")

type Store interface {
	// Get returns the value under key; ok is false when nothing is stored.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	// Probe reports whether the area is usable for writes.
	Probe(ctx context.Context) bool
}

const probeKey = "__kv_probe__"
