/*
Package sqlite provides the production storage kernel (spec.md §4.4, §6):
a single SQLite file (or :memory: database) holding current state, the
full transaction log, the fulltext pool, and the known-partitions table.

KEY TABLES:
  datoms:          current state (EAVT), one row per live fact.
  transaction_log: append-only history, including retractions.
  fulltext_pool:   distinct strings ever asserted under a fulltext-flagged
                   attribute, interned once and shadowed into an fts5
                   index by triggers (spec.md's "fulltext pool").
  fulltext_datoms: the live (e,a) -> fulltext_pool.rowid mapping for
                   fulltext-flagged attributes; two datoms asserting the
                   same string share one fulltext_pool row.
  known_parts:     the partition map's durable form, read back on Restore.

EPHEMERAL SEARCH TABLES:
  search_exact / search_inexact hold one transaction's candidate writes
  between BeginTxApplication and MaterializeTx (spec.md §9). They are
  ordinary tables, not SQLite TEMP tables, because the write path is
  pinned to a single connection (see Store.writeDB) for exactly this
  reason: TEMP TABLE visibility is per-connection, and database/sql's
  pool would otherwise hand different connections to different calls
  within the same transaction.

CONCURRENCY:
  Two *sql.DB handles share one database: writeDB is pinned to a single
  connection (SetMaxOpenConns(1)) and serializes every write plus the
  ephemeral-table dance; readDB runs a normal pool of read-only
  connections, so readers never block on a writer mid-transaction
  (spec.md §5). This is the same mutex-guarded single-writer shape as
  this corpus's sqlite.Store, specialized into two connections instead of
  one because of the ephemeral-table requirement above.

WAL MODE:
  Opened with journal_mode=WAL, foreign_keys=on, and a configurable
  wal_autocheckpoint (spec.md §6). An encryption key, if supplied, is
  applied via a cipher_page_size pragma before any other statement runs.

SEE ALSO:
  - store: the Storing/Reader/Kernel contracts this type implements.
  - store/memory: the in-process counterpart used by most tests.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/loomdb/loom/codec"
	"github.com/loomdb/loom/datom"
	"github.com/loomdb/loom/logging"
	"github.com/loomdb/loom/store"
)

// Store is the SQLite-backed implementation of store.Kernel.
type Store struct {
	writeDB *sql.DB
	readDB  *sql.DB
	mu      sync.Mutex // serializes the BeginTxApplication..CommitTx/Rollback dance
	log     zerolog.Logger

	inTx bool
	curTx datom.Eid
}

// Options configures Open. WALAutocheckpoint of 0 leaves SQLite's default.
type Options struct {
	EncryptionKey     string
	WALAutocheckpoint int
	BusyTimeoutMS     int
	Logger            zerolog.Logger
}

// Open opens (creating if necessary) a SQLite-backed kernel at path.
// Use ":memory:" for a private in-memory database, or
// "file::memory:?cache=shared" to share one in-memory database across
// the two connections Open creates internally.
func Open(path string, opts Options) (*Store, error) {
	dsn := path + "?_foreign_keys=on&_journal_mode=WAL"

	writeDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open write connection: %w", err)
	}
	writeDB.SetMaxOpenConns(1)

	readDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		writeDB.Close()
		return nil, fmt.Errorf("sqlite: open read connection: %w", err)
	}
	if path == ":memory:" {
		// a private :memory: db only exists on one connection; force the
		// read pool down to the same single connection the write side
		// opened so reads observe writes at all.
		readDB.Close()
		readDB = writeDB
	} else {
		readDB.SetMaxOpenConns(4)
	}

	s := &Store{writeDB: writeDB, readDB: readDB, log: logging.Component(opts.Logger, "sqlite")}

	if err := s.applyPragmas(opts); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		s.Close()
		return nil, err
	}
	s.log.Info().Str("path", path).Msg("sqlite kernel opened")
	return s, nil
}

func (s *Store) applyPragmas(opts Options) error {
	stmts := []string{}
	if opts.EncryptionKey != "" {
		stmts = append(stmts, fmt.Sprintf("PRAGMA key = %q", opts.EncryptionKey), "PRAGMA cipher_page_size = 32768")
	}
	checkpoint := opts.WALAutocheckpoint
	if checkpoint == 0 {
		checkpoint = 1000
	}
	stmts = append(stmts, fmt.Sprintf("PRAGMA wal_autocheckpoint = %d", checkpoint), "PRAGMA temp_store = MEMORY")
	busy := opts.BusyTimeoutMS
	if busy == 0 {
		busy = 5000
	}
	stmts = append(stmts, fmt.Sprintf("PRAGMA busy_timeout = %d", busy))

	for _, stmt := range stmts {
		if _, err := s.writeDB.Exec(stmt); err != nil {
			return fmt.Errorf("sqlite: pragma %q: %w", stmt, err)
		}
	}
	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS datoms (
	e INTEGER NOT NULL,
	a INTEGER NOT NULL,
	v,
	v_tag INTEGER NOT NULL,
	tx INTEGER NOT NULL,
	flags INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (e, a, v, v_tag)
);
CREATE INDEX IF NOT EXISTS idx_datoms_aevt ON datoms(a, e);
CREATE INDEX IF NOT EXISTS idx_datoms_avet ON datoms(a, v);

CREATE TABLE IF NOT EXISTS transaction_log (
	e INTEGER NOT NULL,
	a INTEGER NOT NULL,
	v,
	v_tag INTEGER NOT NULL,
	tx INTEGER NOT NULL,
	added INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_txlog_tx ON transaction_log(tx);

CREATE TABLE IF NOT EXISTS fulltext_pool (
	value TEXT NOT NULL UNIQUE
);
CREATE VIRTUAL TABLE IF NOT EXISTS fulltext_fts USING fts5(value, content='fulltext_pool', content_rowid='rowid');
CREATE TRIGGER IF NOT EXISTS fulltext_pool_ai AFTER INSERT ON fulltext_pool BEGIN
	INSERT INTO fulltext_fts(rowid, value) VALUES (new.rowid, new.value);
END;
CREATE TRIGGER IF NOT EXISTS fulltext_pool_ad AFTER DELETE ON fulltext_pool BEGIN
	INSERT INTO fulltext_fts(fulltext_fts, rowid, value) VALUES('delete', old.rowid, old.value);
END;

CREATE TABLE IF NOT EXISTS fulltext_datoms (
	e INTEGER NOT NULL,
	a INTEGER NOT NULL,
	pool_id INTEGER NOT NULL,
	tx INTEGER NOT NULL,
	UNIQUE(e, a)
);
CREATE INDEX IF NOT EXISTS idx_fulltext_datoms_pool ON fulltext_datoms(pool_id);

CREATE TABLE IF NOT EXISTS known_parts (
	name TEXT PRIMARY KEY,
	start INTEGER NOT NULL,
	end INTEGER NOT NULL,
	allow_excision INTEGER NOT NULL,
	next_free INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS search_exact (
	e INTEGER, a INTEGER, v, v_tag INTEGER, added INTEGER, flags INTEGER
);
CREATE TABLE IF NOT EXISTS search_inexact (
	e INTEGER, a INTEGER, v, v_tag INTEGER, added INTEGER, flags INTEGER,
	UNIQUE(e, a)
);
`

func (s *Store) migrate() error {
	_, err := s.writeDB.Exec(schemaDDL)
	if err != nil {
		return fmt.Errorf("sqlite: migrate: %w", err)
	}
	return nil
}

// Close releases both connections. Closing the shared :memory: handle
// twice is guarded against.
func (s *Store) Close() error {
	if err := s.writeDB.Close(); err != nil {
		return err
	}
	if s.readDB != s.writeDB {
		return s.readDB.Close()
	}
	return nil
}

// UserVersion reports the engine's PRAGMA user_version, used by the
// caller to decide whether Bootstrap must run.
func (s *Store) UserVersion(ctx context.Context) (int, error) {
	var v int
	err := s.readDB.QueryRowContext(ctx, "PRAGMA user_version").Scan(&v)
	return v, err
}

// SetUserVersion advances the engine's user_version, normally to 1 right
// after a successful Bootstrap.
func (s *Store) SetUserVersion(ctx context.Context, v int) error {
	_, err := s.writeDB.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v))
	return err
}

// ---------------------------------------------------------------------------
// store.Storing
// ---------------------------------------------------------------------------

func (s *Store) ResolveAVs(ctx context.Context, avs []store.AV) (map[store.AV]datom.Eid, error) {
	out := make(map[store.AV]datom.Eid, len(avs))
	if len(avs) == 0 {
		return out, nil
	}

	for _, av := range avs {
		raw, tag, err := codec.Encode(av.V)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", datom.ErrCouldNotSearch, err)
		}
		var e int64
		err = s.readDB.QueryRowContext(ctx,
			`SELECT e FROM datoms WHERE a = ? AND v = ? AND v_tag = ? LIMIT 1`,
			int64(av.A), raw, tag).Scan(&e)
		if err == sql.ErrNoRows {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", datom.ErrCouldNotSearch, err)
		}
		out[av] = datom.Eid(e)
	}
	return out, nil
}

func (s *Store) BeginTxApplication(ctx context.Context) error {
	s.mu.Lock()
	if s.inTx {
		s.mu.Unlock()
		return fmt.Errorf("sqlite: transaction already in progress")
	}
	s.inTx = true
	s.mu.Unlock()

	if _, err := s.writeDB.ExecContext(ctx, `DELETE FROM search_exact`); err != nil {
		return fmt.Errorf("%w: %v", datom.ErrFailedToCreateTempTables, err)
	}
	if _, err := s.writeDB.ExecContext(ctx, `DELETE FROM search_inexact`); err != nil {
		return fmt.Errorf("%w: %v", datom.ErrFailedToCreateTempTables, err)
	}
	return nil
}

func (s *Store) insertSearches(ctx context.Context, table string, terms []store.SearchTerm) error {
	stmt := fmt.Sprintf(`INSERT INTO %s (e, a, v, v_tag, added, flags) VALUES (?, ?, ?, ?, ?, ?)`, table)
	for _, t := range terms {
		raw, tag, err := codec.Encode(t.V)
		if err != nil {
			return fmt.Errorf("%w: %v", datom.ErrInsertionFailed, err)
		}
		added := 0
		if t.Added {
			added = 1
		}
		if _, err := s.writeDB.ExecContext(ctx, stmt, int64(t.E), int64(t.A), raw, tag, added, int64(t.Flags)); err != nil {
			if table == "search_inexact" && isUniqueConstraintError(err) {
				return fmt.Errorf("%w: duplicate (e,a) pair in cardinality-one batch", datom.ErrInsertionFailed)
			}
			return fmt.Errorf("%w: %v", datom.ErrInsertionFailed, err)
		}
	}
	return nil
}

func (s *Store) InsertNonFTSSearches(ctx context.Context, terms []store.SearchTerm, kind store.SearchKind) error {
	return s.insertSearches(ctx, searchTable(kind), terms)
}

func (s *Store) InsertFTSSearches(ctx context.Context, terms []store.SearchTerm, kind store.SearchKind) error {
	return s.insertSearches(ctx, searchTable(kind), terms)
}

func searchTable(kind store.SearchKind) string {
	if kind == store.Inexact {
		return "search_inexact"
	}
	return "search_exact"
}

// MaterializeTx joins both search tables against current state, classifies
// each candidate as a conflict/replacement/new-fact, appends every
// resolved fact to transaction_log, and rewrites datoms to match.
func (s *Store) MaterializeTx(ctx context.Context, tx datom.Eid) error {
	txHandle, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", datom.ErrInsertionFailed, err)
	}
	defer txHandle.Rollback()

	if err := materializeExact(ctx, txHandle, tx); err != nil {
		return err
	}
	if err := materializeInexact(ctx, txHandle, tx); err != nil {
		return err
	}
	if err := materializeFulltext(ctx, txHandle, tx); err != nil {
		return err
	}

	if err := txHandle.Commit(); err != nil {
		return fmt.Errorf("%w: %v", datom.ErrInsertionFailed, err)
	}
	s.curTx = tx
	return nil
}

func materializeExact(ctx context.Context, tx *sql.Tx, txID datom.Eid) error {
	rows, err := tx.QueryContext(ctx, `SELECT e, a, v, v_tag, added, flags FROM search_exact`)
	if err != nil {
		return fmt.Errorf("%w: %v", datom.ErrCouldNotSearch, err)
	}
	type row struct {
		e, a, vtag, flags int64
		v                 any
		added             bool
	}
	var terms []row
	for rows.Next() {
		var r row
		var addedInt int64
		if err := rows.Scan(&r.e, &r.a, &r.v, &r.vtag, &addedInt, &r.flags); err != nil {
			rows.Close()
			return fmt.Errorf("%w: %v", datom.ErrCouldNotSearch, err)
		}
		r.added = addedInt != 0
		terms = append(terms, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: %v", datom.ErrCouldNotSearch, err)
	}

	for _, r := range terms {
		var existingCount int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM datoms WHERE e=? AND a=? AND v=? AND v_tag=?`,
			r.e, r.a, r.v, r.vtag).Scan(&existingCount); err != nil {
			return fmt.Errorf("%w: %v", datom.ErrCouldNotSearch, err)
		}

		if r.added {
			if existingCount == 0 {
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO datoms (e,a,v,v_tag,tx,flags) VALUES (?,?,?,?,?,?)`,
					r.e, r.a, r.v, r.vtag, int64(txID), r.flags); err != nil {
					return fmt.Errorf("%w: %v", datom.ErrInsertionFailed, err)
				}
			}
		} else if existingCount > 0 {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM datoms WHERE e=? AND a=? AND v=? AND v_tag=?`,
				r.e, r.a, r.v, r.vtag); err != nil {
				return fmt.Errorf("%w: %v", datom.ErrInsertionFailed, err)
			}
		} else {
			continue // retracting a fact that was never asserted: a no-op, not logged.
		}

		addedInt := int64(0)
		if r.added {
			addedInt = 1
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO transaction_log (e,a,v,v_tag,tx,added) VALUES (?,?,?,?,?,?)`,
			r.e, r.a, r.v, r.vtag, int64(txID), addedInt); err != nil {
			return fmt.Errorf("%w: %v", datom.ErrInsertionFailed, err)
		}
	}
	return nil
}

func materializeInexact(ctx context.Context, tx *sql.Tx, txID datom.Eid) error {
	rows, err := tx.QueryContext(ctx, `SELECT e, a, v, v_tag, added, flags FROM search_inexact`)
	if err != nil {
		return fmt.Errorf("%w: %v", datom.ErrCouldNotSearch, err)
	}
	type row struct {
		e, a, vtag, flags int64
		v                 any
		added             bool
	}
	var terms []row
	for rows.Next() {
		var r row
		var addedInt int64
		if err := rows.Scan(&r.e, &r.a, &r.v, &r.vtag, &addedInt, &r.flags); err != nil {
			rows.Close()
			return fmt.Errorf("%w: %v", datom.ErrCouldNotSearch, err)
		}
		r.added = addedInt != 0
		terms = append(terms, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("%w: %v", datom.ErrCouldNotSearch, err)
	}

	for _, r := range terms {
		existingRows, err := tx.QueryContext(ctx, `SELECT v, v_tag FROM datoms WHERE e=? AND a=?`, r.e, r.a)
		if err != nil {
			return fmt.Errorf("%w: %v", datom.ErrCouldNotSearch, err)
		}
		var oldV any
		var oldTag int64
		found := false
		for existingRows.Next() {
			if err := existingRows.Scan(&oldV, &oldTag); err != nil {
				existingRows.Close()
				return fmt.Errorf("%w: %v", datom.ErrCouldNotSearch, err)
			}
			found = true
			break
		}
		existingRows.Close()

		sameValue := found && oldTag == r.vtag && sqlValuesEqual(oldV, r.v)

		if !r.added {
			if found {
				if _, err := tx.ExecContext(ctx, `DELETE FROM datoms WHERE e=? AND a=?`, r.e, r.a); err != nil {
					return fmt.Errorf("%w: %v", datom.ErrInsertionFailed, err)
				}
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO transaction_log (e,a,v,v_tag,tx,added) VALUES (?,?,?,?,?,0)`,
					r.e, r.a, oldV, oldTag, int64(txID)); err != nil {
					return fmt.Errorf("%w: %v", datom.ErrInsertionFailed, err)
				}
			}
			continue
		}

		if sameValue {
			continue // idempotent replacement: nothing changed, nothing logged.
		}
		if found {
			if _, err := tx.ExecContext(ctx, `DELETE FROM datoms WHERE e=? AND a=?`, r.e, r.a); err != nil {
				return fmt.Errorf("%w: %v", datom.ErrInsertionFailed, err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO transaction_log (e,a,v,v_tag,tx,added) VALUES (?,?,?,?,?,0)`,
				r.e, r.a, oldV, oldTag, int64(txID)); err != nil {
				return fmt.Errorf("%w: %v", datom.ErrInsertionFailed, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO datoms (e,a,v,v_tag,tx,flags) VALUES (?,?,?,?,?,?)`,
			r.e, r.a, r.v, r.vtag, int64(txID), r.flags); err != nil {
			return fmt.Errorf("%w: %v", datom.ErrInsertionFailed, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO transaction_log (e,a,v,v_tag,tx,added) VALUES (?,?,?,?,?,1)`,
			r.e, r.a, r.v, r.vtag, int64(txID)); err != nil {
			return fmt.Errorf("%w: %v", datom.ErrInsertionFailed, err)
		}
	}
	return nil
}

// internFulltextValue returns the fulltext_pool rowid for value, interning
// it once if no pool row holds it yet. Two datoms asserting the same
// string, in the same or different transactions, end up pointing at the
// same rowid (spec.md scenario S4).
func internFulltextValue(ctx context.Context, tx *sql.Tx, value string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT rowid FROM fulltext_pool WHERE value = ?`, value).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("%w: %v", datom.ErrCouldNotSearch, err)
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO fulltext_pool (value) VALUES (?)`, value)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", datom.ErrInsertionFailed, err)
	}
	return res.LastInsertId()
}

// materializeFulltext keeps fulltext_datoms (and, via the pool's triggers,
// the fts5 shadow index) in sync with whatever exact/inexact terms just
// committed for fulltext-flagged attributes, interning each string into
// fulltext_pool before pointing the (e,a) row at it.
func materializeFulltext(ctx context.Context, tx *sql.Tx, txID datom.Eid) error {
	for _, table := range []string{"search_exact", "search_inexact"} {
		rows, err := tx.QueryContext(ctx,
			fmt.Sprintf(`SELECT e, a, v, added FROM %s WHERE (flags & ?) != 0 AND v_tag = ?`, table),
			int64(store.FlagFulltext), int64(datom.TagString))
		if err != nil {
			return fmt.Errorf("%w: %v", datom.ErrCouldNotSearch, err)
		}
		type row struct {
			e, a  int64
			v     string
			added bool
		}
		var terms []row
		for rows.Next() {
			var r row
			var addedInt int64
			if err := rows.Scan(&r.e, &r.a, &r.v, &addedInt); err != nil {
				rows.Close()
				return fmt.Errorf("%w: %v", datom.ErrCouldNotSearch, err)
			}
			r.added = addedInt != 0
			terms = append(terms, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("%w: %v", datom.ErrCouldNotSearch, err)
		}

		for _, r := range terms {
			if r.added {
				poolID, err := internFulltextValue(ctx, tx, r.v)
				if err != nil {
					return err
				}
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO fulltext_datoms (e,a,pool_id,tx) VALUES (?,?,?,?)
					 ON CONFLICT(e,a) DO UPDATE SET pool_id=excluded.pool_id, tx=excluded.tx`,
					r.e, r.a, poolID, int64(txID)); err != nil {
					return fmt.Errorf("%w: %v", datom.ErrInsertionFailed, err)
				}
			} else {
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM fulltext_datoms WHERE e=? AND a=?`, r.e, r.a); err != nil {
					return fmt.Errorf("%w: %v", datom.ErrInsertionFailed, err)
				}
			}
		}
	}
	return nil
}

func (s *Store) CommitTx(ctx context.Context, tx datom.Eid) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inTx = false
	return nil
}

func (s *Store) Rollback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inTx = false
	s.log.Warn().Msg("transaction rolled back")
	_, _ = s.writeDB.ExecContext(ctx, `DELETE FROM search_exact`)
	_, _ = s.writeDB.ExecContext(ctx, `DELETE FROM search_inexact`)
	return nil
}

func (s *Store) ResolvedMetadataAssertions(ctx context.Context) ([]store.Assertion, error) {
	rows, err := s.writeDB.QueryContext(ctx,
		`SELECT e, a, v, v_tag, added FROM transaction_log WHERE tx = ?`, int64(s.curTx))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", datom.ErrCouldNotSearch, err)
	}
	defer rows.Close()

	var out []store.Assertion
	for rows.Next() {
		var e, a, vtag, addedInt int64
		var raw any
		if err := rows.Scan(&e, &a, &raw, &vtag, &addedInt); err != nil {
			return nil, fmt.Errorf("%w: %v", datom.ErrCouldNotSearch, err)
		}
		v, err := codec.Decode(raw, datom.TypeTag(vtag))
		if err != nil {
			return nil, err
		}
		out = append(out, store.Assertion{E: datom.Eid(e), A: datom.Eid(a), V: v, Added: addedInt != 0})
	}
	return out, rows.Err()
}

// Seed writes datoms directly to current state and the log, bypassing the
// search/materialize pipeline entirely (schema.Bootstrap's only caller).
func (s *Store) Seed(ctx context.Context, datoms []datom.Datom) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.writeDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", datom.ErrInsertionFailed, err)
	}
	defer tx.Rollback()

	for _, d := range datoms {
		raw, tag, err := codec.Encode(d.V)
		if err != nil {
			return fmt.Errorf("%w: %v", datom.ErrInsertionFailed, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO datoms (e,a,v,v_tag,tx,flags) VALUES (?,?,?,?,?,0)`,
			int64(d.E), int64(d.A), raw, tag, int64(d.Tx)); err != nil {
			return fmt.Errorf("%w: %v", datom.ErrInsertionFailed, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO transaction_log (e,a,v,v_tag,tx,added) VALUES (?,?,?,?,?,1)`,
			int64(d.E), int64(d.A), raw, tag, int64(d.Tx)); err != nil {
			return fmt.Errorf("%w: %v", datom.ErrInsertionFailed, err)
		}
	}
	return tx.Commit()
}

// ---------------------------------------------------------------------------
// store.Reader
// ---------------------------------------------------------------------------

func (s *Store) CurrentValues(ctx context.Context, e, a datom.Eid) ([]datom.Value, error) {
	rows, err := s.readDB.QueryContext(ctx, `SELECT v, v_tag FROM datoms WHERE e=? AND a=?`, int64(e), int64(a))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", datom.ErrCouldNotSearch, err)
	}
	defer rows.Close()

	var out []datom.Value
	for rows.Next() {
		var raw any
		var tag int64
		if err := rows.Scan(&raw, &tag); err != nil {
			return nil, fmt.Errorf("%w: %v", datom.ErrCouldNotSearch, err)
		}
		v, err := codec.Decode(raw, datom.TypeTag(tag))
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (s *Store) HasDuplicateValues(ctx context.Context, a datom.Eid) (bool, error) {
	var n int
	err := s.readDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM (SELECT v FROM datoms WHERE a=? GROUP BY v, v_tag HAVING COUNT(*) > 1)`,
		int64(a)).Scan(&n)
	return n > 0, err
}

func (s *Store) HasMultiValuedEntities(ctx context.Context, a datom.Eid) (bool, error) {
	var n int
	err := s.readDB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM (SELECT e FROM datoms WHERE a=? GROUP BY e HAVING COUNT(*) > 1)`,
		int64(a)).Scan(&n)
	return n > 0, err
}

func (s *Store) Datoms(ctx context.Context, e datom.Eid) ([]datom.Datom, error) {
	rows, err := s.readDB.QueryContext(ctx, `SELECT a, v, v_tag, tx FROM datoms WHERE e=?`, int64(e))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", datom.ErrCouldNotSearch, err)
	}
	defer rows.Close()

	var out []datom.Datom
	for rows.Next() {
		var a, tx, tag int64
		var raw any
		if err := rows.Scan(&a, &raw, &tag, &tx); err != nil {
			return nil, fmt.Errorf("%w: %v", datom.ErrCouldNotSearch, err)
		}
		v, err := codec.Decode(raw, datom.TypeTag(tag))
		if err != nil {
			return nil, err
		}
		out = append(out, datom.Datom{E: e, A: datom.Eid(a), V: v, Tx: datom.Eid(tx), Added: true})
	}
	return out, rows.Err()
}

// MaxEid reports the greatest id ever allocated within [start, end) by
// scanning every column an id from that range could appear in: the entity
// and attribute positions of current-state datoms, and the tx position of
// both datoms and the append-only log. The log is consulted in addition to
// datoms because a tx id never appears as an (e,a) value anywhere and a
// retracted fact's tx id can otherwise disappear from datoms entirely once
// its row is deleted. Returns start-1, not start, when nothing in the
// range has ever been written, so a caller computing a next-id counter as
// MaxEid+1 recovers start for an untouched partition.
func (s *Store) MaxEid(ctx context.Context, start, end datom.Eid) (datom.Eid, error) {
	var max sql.NullInt64
	err := s.readDB.QueryRowContext(ctx,
		`SELECT MAX(id) FROM (
			SELECT e AS id FROM datoms WHERE e >= ? AND e < ?
			UNION ALL
			SELECT a AS id FROM datoms WHERE a >= ? AND a < ?
			UNION ALL
			SELECT tx AS id FROM datoms WHERE tx >= ? AND tx < ?
			UNION ALL
			SELECT tx AS id FROM transaction_log WHERE tx >= ? AND tx < ?
		)`,
		int64(start), int64(end), int64(start), int64(end),
		int64(start), int64(end), int64(start), int64(end)).Scan(&max)
	if err != nil {
		return start, fmt.Errorf("%w: %v", datom.ErrCouldNotSearch, err)
	}
	if !max.Valid {
		return start - 1, nil
	}
	return datom.Eid(max.Int64), nil
}

// ---------------------------------------------------------------------------
// known_parts persistence, used by the caller on Restore.
// ---------------------------------------------------------------------------

func (s *Store) SaveKnownPartition(ctx context.Context, p datom.Partition, nextFree datom.Eid) error {
	excision := 0
	if p.AllowExcision {
		excision = 1
	}
	_, err := s.writeDB.ExecContext(ctx,
		`INSERT INTO known_parts (name, start, end, allow_excision, next_free) VALUES (?,?,?,?,?)
		 ON CONFLICT(name) DO UPDATE SET next_free=excluded.next_free`,
		p.Name, int64(p.Start), int64(p.End), excision, int64(nextFree))
	return err
}

// KnownPartition is a persisted partition row, as returned by
// LoadKnownPartitions for the caller to Restore into a partition.Map.
type KnownPartition struct {
	Def      datom.Partition
	NextFree datom.Eid
}

func (s *Store) LoadKnownPartitions(ctx context.Context) ([]KnownPartition, error) {
	rows, err := s.readDB.QueryContext(ctx, `SELECT name, start, end, allow_excision, next_free FROM known_parts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []KnownPartition
	for rows.Next() {
		var name string
		var start, end, nextFree int64
		var excision int
		if err := rows.Scan(&name, &start, &end, &excision, &nextFree); err != nil {
			return nil, err
		}
		out = append(out, KnownPartition{
			Def:      datom.Partition{Name: name, Start: datom.Eid(start), End: datom.Eid(end), AllowExcision: excision != 0},
			NextFree: datom.Eid(nextFree),
		})
	}
	return out, rows.Err()
}

func sqlValuesEqual(a, b any) bool {
	switch av := a.(type) {
	case []byte:
		bv, ok := b.([]byte)
		return ok && string(av) == string(bv)
	default:
		return a == b
	}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique constraint")
}

var _ store.Kernel = (*Store)(nil)
