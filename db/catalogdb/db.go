// Package catalogdb implements sqlite3 storage for enumerated variable
// catalogs, so tools can resolve names without rescanning the controller.
package catalogdb

import (
	"bytes"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/klauspost/compress/gzip"

	"github.com/dbnetip/dbnet/pkg/dbnet"
)

// DB stores variable catalogs in a sqlite3 database, keyed by the controller
// endpoint.
type DB struct {
	x *sqlx.DB
}

// Open opens a DB from the provided sqlite3 uri.
func Open(name string) (*DB, error) {
	x, err := sqlx.Connect("sqlite3", (&url.URL{
		Path: name,
		RawQuery: (url.Values{
			"_journal":      {"WAL"},
			"_busy_timeout": {"6000"},
		}).Encode(),
	}).String())
	if err != nil {
		return nil, err
	}
	return &DB{x}, nil
}

func (db *DB) Close() error {
	return db.x.Close()
}

// catalogVar is the stored JSON shape of one variable.
type catalogVar struct {
	Name     string `json:"name"`
	WID      uint16 `json:"wid"`
	Type     uint8  `json:"type"`
	Writable bool   `json:"writable"`
}

// SetCatalog replaces the stored catalog for endpoint.
func (db *DB) SetCatalog(endpoint string, fetched time.Time, vars []dbnet.Variable) error {
	cv := make([]catalogVar, len(vars))
	for i, v := range vars {
		cv[i] = catalogVar{v.Name, v.WID, uint8(v.Type), v.Writable}
	}
	buf, err := json.Marshal(cv)
	if err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}

	hash := sha256.Sum256(buf)
	varsHash := hex.EncodeToString(hash[:])

	var b bytes.Buffer
	b.Grow(2000)

	zw := gzip.NewWriter(&b)
	if _, err := zw.Write(buf); err != nil {
		return fmt.Errorf("compress catalog: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("compress catalog: %w", err)
	}

	var varsComp string
	if b.Len() < len(buf) {
		varsComp = "gzip"
		buf = b.Bytes()
	}

	if _, err := db.x.NamedExec(`
		INSERT OR REPLACE INTO
		catalog  ( endpoint,  fetched_at,  vars_comp,  vars_hash,  vars)
		VALUES   (:endpoint, :fetched_at, :vars_comp, :vars_hash, :vars)
	`, map[string]any{
		"endpoint":   endpoint,
		"fetched_at": fetched.UTC().Unix(),
		"vars_comp":  varsComp,
		"vars_hash":  varsHash,
		"vars":       buf,
	}); err != nil {
		return err
	}
	return nil
}

// GetCatalog gets the stored catalog for endpoint, if any.
func (db *DB) GetCatalog(endpoint string) (vars []dbnet.Variable, fetched time.Time, exists bool, err error) {
	var obj struct {
		FetchedAt int64  `db:"fetched_at"`
		VarsComp  string `db:"vars_comp"`
		VarsHash  string `db:"vars_hash"`
		Vars      []byte `db:"vars"`
	}
	if err := db.x.Get(&obj, `SELECT fetched_at, vars_comp, vars_hash, vars FROM catalog WHERE endpoint = ?`, endpoint); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, time.Time{}, false, nil
		}
		return nil, time.Time{}, false, err
	}

	switch obj.VarsComp {
	case "":
	case "gzip":
		var b bytes.Buffer
		zr, err := gzip.NewReader(bytes.NewReader(obj.Vars))
		if err != nil {
			return nil, time.Time{}, false, fmt.Errorf("decompress gzip: %w", err)
		}
		if _, err := b.ReadFrom(zr); err != nil {
			return nil, time.Time{}, false, fmt.Errorf("decompress gzip: %w", err)
		}
		if err := zr.Close(); err != nil {
			return nil, time.Time{}, false, fmt.Errorf("decompress gzip: %w", err)
		}
		obj.Vars = b.Bytes()
	default:
		return nil, time.Time{}, false, fmt.Errorf("unsupported compression method %q", obj.VarsComp)
	}

	var varsHash [sha256.Size]byte
	if b, err := hex.DecodeString(obj.VarsHash); err != nil || len(b) != len(varsHash) {
		return nil, time.Time{}, false, fmt.Errorf("invalid catalog hash")
	} else {
		copy(varsHash[:], b)
	}
	if sha256.Sum256(obj.Vars) != varsHash {
		return nil, time.Time{}, false, fmt.Errorf("catalog checksum mismatch")
	}

	var cv []catalogVar
	if err := json.Unmarshal(obj.Vars, &cv); err != nil {
		return nil, time.Time{}, false, fmt.Errorf("decode catalog: %w", err)
	}
	vars = make([]dbnet.Variable, len(cv))
	for i, v := range cv {
		vars[i] = dbnet.Variable{
			Name:     v.Name,
			WID:      v.WID,
			Type:     dbnet.VarType(v.Type),
			Writable: v.Writable,
		}
	}
	return vars, time.Unix(obj.FetchedAt, 0).UTC(), true, nil
}

// Endpoints lists the endpoints with a stored catalog.
func (db *DB) Endpoints() ([]string, error) {
	var es []string
	if err := db.x.Select(&es, `SELECT endpoint FROM catalog ORDER BY endpoint`); err != nil {
		return nil, err
	}
	return es, nil
}
