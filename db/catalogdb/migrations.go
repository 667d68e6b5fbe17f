package catalogdb

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
)

// A revision is one step of the catalog schema. Revisions are applied in
// order and tracked with sqlite's user_version pragma; version 0 is the empty
// database.
type revision struct {
	version uint64
	up      func(context.Context, *sqlx.Tx) error
	down    func(context.Context, *sqlx.Tx) error
}

var revisions = []revision{
	{1, upCatalogTable, downCatalogTable},
}

func upCatalogTable(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, strings.ReplaceAll(`
		CREATE TABLE catalog (
			endpoint   TEXT PRIMARY KEY NOT NULL,
			fetched_at INTEGER NOT NULL,
			vars_comp  TEXT NOT NULL COLLATE NOCASE,
			vars_hash  TEXT NOT NULL,
			vars       BLOB NOT NULL
		) STRICT;
	`, `
		`, "\n")); err != nil {
		return fmt.Errorf("create catalog table: %w", err)
	}
	return nil
}

func downCatalogTable(ctx context.Context, tx *sqlx.Tx) error {
	if _, err := tx.ExecContext(ctx, `DROP TABLE catalog`); err != nil {
		return fmt.Errorf("drop catalog table: %w", err)
	}
	return nil
}

// knownVersion reports whether v is the empty database or a defined revision.
func knownVersion(v uint64) bool {
	if v == 0 {
		return true
	}
	for _, r := range revisions {
		if r.version == v {
			return true
		}
	}
	return false
}

// Version gets the applied and latest schema versions. It should be checked
// before using the database.
func (db *DB) Version() (current, latest uint64, err error) {
	if err := db.x.Get(&current, `PRAGMA user_version`); err != nil {
		return 0, 0, fmt.Errorf("get schema version: %w", err)
	}
	return current, revisions[len(revisions)-1].version, nil
}

// MigrateUp applies schema revisions up to and including target.
func (db *DB) MigrateUp(ctx context.Context, target uint64) error {
	return db.applyRevisions(ctx, target, false)
}

// MigrateDown unapplies schema revisions down to target. This will probably
// eat your data.
func (db *DB) MigrateDown(ctx context.Context, target uint64) error {
	return db.applyRevisions(ctx, target, true)
}

func (db *DB) applyRevisions(ctx context.Context, target uint64, down bool) error {
	tx, err := db.x.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var applied uint64
	if err := tx.GetContext(ctx, &applied, `PRAGMA user_version`); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}
	if !knownVersion(applied) {
		return fmt.Errorf("unsupported schema version %d", applied)
	}
	if !knownVersion(target) {
		return fmt.Errorf("unknown schema version %d", target)
	}
	if down && target > applied {
		return fmt.Errorf("target version %d is newer than applied version %d", target, applied)
	}
	if !down && target < applied {
		return fmt.Errorf("target version %d is older than applied version %d", target, applied)
	}

	if down {
		for i := len(revisions) - 1; i >= 0; i-- {
			r := revisions[i]
			if r.version > applied || r.version <= target {
				continue
			}
			if err := r.down(ctx, tx); err != nil {
				return fmt.Errorf("unapply revision %d: %w", r.version, err)
			}
		}
	} else {
		for _, r := range revisions {
			if r.version <= applied || r.version > target {
				continue
			}
			if err := r.up(ctx, tx); err != nil {
				return fmt.Errorf("apply revision %d: %w", r.version, err)
			}
		}
	}

	if _, err := tx.ExecContext(ctx, `PRAGMA user_version = `+strconv.FormatUint(target, 10)); err != nil {
		return fmt.Errorf("update schema version: %w", err)
	}
	return tx.Commit()
}
