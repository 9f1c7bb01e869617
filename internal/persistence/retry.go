package persistence

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// busyPolicy bounds how long a write keeps retrying after SQLite reports
// BUSY or LOCKED. It sits on top of the driver's busy_timeout, which covers
// only the lock wait and not a LOCKED shared cache.
type busyPolicy struct {
	Retries int
	Base    time.Duration
	Max     time.Duration
	// jitter returns a value in [0, n); nil uses math/rand.
	jitter func(n int64) int64
}

var writePolicy = busyPolicy{Retries: 5, Base: 50 * time.Millisecond, Max: 500 * time.Millisecond}

func retryOnBusy(ctx context.Context, f func() error) error {
	return writePolicy.do(ctx, f)
}

// delay is the pause before retry attempt+1: exponential up to Max, then
// spread over [3/4, 5/4) of that value.
func (p busyPolicy) delay(attempt int) time.Duration {
	d := p.Base
	for i := 0; i < attempt && d < p.Max; i++ {
		d *= 2
	}
	d = min(d, p.Max)
	span := int64(d / 2)
	if span <= 0 {
		return d
	}
	jitter := p.jitter
	if jitter == nil {
		jitter = rand.Int64N
	}
	return d - d/4 + time.Duration(jitter(span))
}

func (p busyPolicy) do(ctx context.Context, f func() error) error {
	for attempt := 0; ; attempt++ {
		err := f()
		if err == nil || !isSQLiteBusy(err) || attempt >= p.Retries {
			return err
		}
		t := time.NewTimer(p.delay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// isUniqueViolation matches both UNIQUE and PRIMARY KEY conflicts; an
// idempotency key collision surfaces as either depending on the index.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
