// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package backingstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/canonical/sqlair"
	"github.com/juju/clock"
	"github.com/juju/errors"
	_ "github.com/mattn/go-sqlite3"
	"gopkg.in/yaml.v3"

	sonarerrors "github.com/juju/sonar/core/errors"
	"github.com/juju/sonar/server"
)

const (
	// DefaultAttempts is the number of times a transaction is run
	// before a retryable error is returned.
	DefaultAttempts = 10

	// DefaultRetryDelay is the pause between attempts.
	DefaultRetryDelay = 100 * time.Millisecond

	// DefaultTimeout bounds each store operation.
	DefaultTimeout = 30 * time.Second
)

const schemaDDL = `
CREATE TABLE IF NOT EXISTS object (
    type_name  TEXT NOT NULL,
    name       TEXT NOT NULL,
    attributes TEXT NOT NULL,
    PRIMARY KEY (type_name, name)
);`

var (
	_ server.ObjectStore  = (*Store)(nil)
	_ server.ObjectLoader = (*Store)(nil)
)

// Logger is the logging interface used by a Store.
type Logger interface {
	Warningf(string, ...interface{})
	Debugf(string, ...interface{})
}

// Config holds the settings of a Store.
type Config struct {
	// Path is the sqlite database file. It is created when missing.
	Path   string
	Clock  clock.Clock
	Logger Logger

	// Attempts defaults to DefaultAttempts.
	Attempts int

	// RetryDelay defaults to DefaultRetryDelay.
	RetryDelay time.Duration

	// Timeout defaults to DefaultTimeout.
	Timeout time.Duration
}

// Validate returns an error if the config cannot be used.
func (config Config) Validate() error {
	if config.Path == "" {
		return errors.NotValidf("empty Path")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.Attempts < 0 {
		return errors.NotValidf("negative Attempts")
	}
	return nil
}

// Store is a sqlite backed server.ObjectStore.
type Store struct {
	config Config
	sqlDB  *sql.DB
	db     *sqlair.DB

	insertStmt *sqlair.Statement
	selectStmt *sqlair.Statement
	updateStmt *sqlair.Statement
	deleteStmt *sqlair.Statement
	loadStmt   *sqlair.Statement
}

// storedObject is a row of the object table.
type storedObject struct {
	TypeName   string `db:"type_name"`
	Name       string `db:"name"`
	Attributes string `db:"attributes"`
}

// Open opens the database at config.Path and makes sure its schema exists.
func Open(ctx context.Context, config Config) (*Store, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if config.Attempts == 0 {
		config.Attempts = DefaultAttempts
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = DefaultRetryDelay
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	sqlDB, err := sql.Open("sqlite3", config.Path+"?_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Annotatef(err, "opening %s", config.Path)
	}
	// One writer at a time; sqlite serialises them anyway.
	sqlDB.SetMaxOpenConns(1)

	s := &Store{config: config, sqlDB: sqlDB, db: sqlair.NewDB(sqlDB)}
	if err := s.prepare(); err != nil {
		_ = sqlDB.Close()
		return nil, errors.Trace(err)
	}
	ddl, err := sqlair.Prepare(schemaDDL)
	if err != nil {
		_ = sqlDB.Close()
		return nil, errors.Annotate(err, "preparing schema statement")
	}
	err = s.txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return errors.Trace(tx.Query(ctx, ddl).Run())
	})
	if err != nil {
		_ = sqlDB.Close()
		return nil, errors.Annotatef(err, "creating schema in %s", config.Path)
	}
	config.Logger.Debugf("opened backing store %s", config.Path)
	return s, nil
}

func (s *Store) prepare() error {
	for _, st := range []struct {
		stmt  **sqlair.Statement
		query string
	}{{
		&s.insertStmt, `
INSERT INTO object (type_name, name, attributes)
VALUES ($storedObject.*)`,
	}, {
		&s.selectStmt, `
SELECT &storedObject.attributes
FROM   object
WHERE  type_name = $storedObject.type_name
AND    name = $storedObject.name`,
	}, {
		&s.updateStmt, `
UPDATE object
SET    attributes = $storedObject.attributes
WHERE  type_name = $storedObject.type_name
AND    name = $storedObject.name`,
	}, {
		&s.deleteStmt, `
DELETE FROM object
WHERE  type_name = $storedObject.type_name
AND    name = $storedObject.name`,
	}, {
		&s.loadStmt, `
SELECT &storedObject.*
FROM   object
WHERE  type_name = $storedObject.type_name
ORDER BY name`,
	}} {
		stmt, err := sqlair.Prepare(st.query, storedObject{})
		if err != nil {
			return errors.Annotate(err, "preparing statement")
		}
		*st.stmt = stmt
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return errors.Trace(s.sqlDB.Close())
}

func (s *Store) context() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), s.config.Timeout)
}

// Create is part of the server.ObjectStore interface. Storing an object
// twice fails with NameExists.
func (s *Store) Create(tname, oname string, attrs map[string][]string) error {
	data, err := encodeAttributes(attrs)
	if err != nil {
		return errors.Trace(err)
	}
	row := storedObject{TypeName: tname, Name: oname, Attributes: data}
	ctx, cancel := s.context()
	defer cancel()
	err = s.txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return tx.Query(ctx, s.insertStmt, row).Run()
	})
	if isConstraintError(err) {
		return errors.WithType(errors.Errorf("%s/%s already stored", tname, oname), sonarerrors.NameExists)
	}
	return errors.Annotatef(err, "storing %s/%s", tname, oname)
}

// Update is part of the server.ObjectStore interface.
func (s *Store) Update(tname, oname, aname string, values []string) error {
	ctx, cancel := s.context()
	defer cancel()
	err := s.txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		row := storedObject{TypeName: tname, Name: oname}
		if err := tx.Query(ctx, s.selectStmt, row).Get(&row); errors.Is(err, sqlair.ErrNoRows) {
			return errors.NotFoundf("stored object %s/%s", tname, oname)
		} else if err != nil {
			return errors.Trace(err)
		}
		attrs, err := decodeAttributes(row.Attributes)
		if err != nil {
			return errors.Trace(err)
		}
		attrs[aname] = values
		if row.Attributes, err = encodeAttributes(attrs); err != nil {
			return errors.Trace(err)
		}
		return errors.Trace(tx.Query(ctx, s.updateStmt, row).Run())
	})
	return errors.Annotatef(err, "updating %s/%s/%s", tname, oname, aname)
}

// Delete is part of the server.ObjectStore interface. Deleting an object
// which is not stored is not an error.
func (s *Store) Delete(tname, oname string) error {
	ctx, cancel := s.context()
	defer cancel()
	row := storedObject{TypeName: tname, Name: oname}
	err := s.txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		return tx.Query(ctx, s.deleteStmt, row).Run()
	})
	return errors.Annotatef(err, "deleting %s/%s", tname, oname)
}

// Load is part of the server.ObjectLoader interface. Objects are passed
// to fn in name order.
func (s *Store) Load(tname string, fn func(oname string, attrs map[string][]string) error) error {
	ctx, cancel := s.context()
	defer cancel()
	var rows []storedObject
	err := s.txn(ctx, func(ctx context.Context, tx *sqlair.TX) error {
		rows = nil
		err := tx.Query(ctx, s.loadStmt, storedObject{TypeName: tname}).GetAll(&rows)
		if errors.Is(err, sqlair.ErrNoRows) {
			return nil
		}
		return errors.Trace(err)
	})
	if err != nil {
		return errors.Annotatef(err, "loading %s", tname)
	}
	// fn may call back into the store, so it runs outside the transaction.
	for _, row := range rows {
		attrs, err := decodeAttributes(row.Attributes)
		if err != nil {
			return errors.Annotatef(err, "loading %s/%s", tname, row.Name)
		}
		if err := fn(row.Name, attrs); err != nil {
			return errors.Annotatef(err, "restoring %s/%s", tname, row.Name)
		}
	}
	return nil
}

func encodeAttributes(attrs map[string][]string) (string, error) {
	if attrs == nil {
		attrs = map[string][]string{}
	}
	data, err := yaml.Marshal(attrs)
	if err != nil {
		return "", errors.Annotate(err, "encoding attributes")
	}
	return string(data), nil
}

func decodeAttributes(data string) (map[string][]string, error) {
	attrs := make(map[string][]string)
	if err := yaml.Unmarshal([]byte(data), &attrs); err != nil {
		return nil, errors.Annotate(err, "decoding attributes")
	}
	return attrs, nil
}
