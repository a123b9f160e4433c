// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backingstore

import (
	"context"
		"strings"

	"github.com/canonical/sqlair"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"github.com/mattn/go-sqlite3"
)

// IsErrRetryable reports whether err is a transient sqlite failure after
// which the transaction may be run again.
func IsErrRetryable(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	var errNo sqlite3.ErrNo
	if errors.As(err, &errNo) {
		return errNo == sqlite3.ErrBusy || errNo == sqlite3.ErrLocked
	}

	// Older drivers only give us the text.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "cannot start a transaction within a transaction") ||
		strings.Contains(msg, "bad connection") ||
		strings.Contains(msg, "checkpoint in progress")
}

// isConstraintError reports whether err is a primary key or unique
// constraint violation.
func isConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey ||
		sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// txn runs fn in a transaction, running it again while it fails with a
// retryable error.
func (s *Store) txn(ctx context.Context, fn func(context.Context, *sqlair.TX) error) error {
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			return s.runTxn(ctx, fn)
		},
		IsFatalError: func(err error) bool {
			return !IsErrRetryable(err)
		},
		NotifyFunc: func(err error, attempt int) {
			s.config.Logger.Debugf("retrying transaction (attempt %d): %v", attempt, err)
		},
		Attempts: s.config.Attempts,
		Delay:    s.config.RetryDelay,
		Clock:    s.config.Clock,
		Stop:     ctx.Done(),
	})
	if retry.IsAttemptsExceeded(err) || retry.IsRetryStopped(err) {
		err = retry.LastError(err)
	}
	return err
}

func (s *Store) runTxn(ctx context.Context, fn func(context.Context, *sqlair.TX) error) error {
	tx, err := s.db.Begin(ctx, nil)
	if err != nil {
		return errors.Trace(err)
	}
	if err := fn(ctx, tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.config.Logger.Warningf("rollback failed: %v", rbErr)
		}
		return errors.Trace(err)
	}
	return errors.Trace(tx.Commit())
}
