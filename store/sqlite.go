package store

import (
	"database/sql"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
)

// SqliteStore is the default store backend.
type SqliteStore struct {
	stmts map[string]*sql.Stmt
	conn  *sql.DB
	lock  sync.RWMutex
}

// NewSqliteStore connects and initializes a sqlite store.
func NewSqliteStore(dsn string) (*SqliteStore, error) {
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open store")
	}

	s := &SqliteStore{conn: conn, stmts: make(map[string]*sql.Stmt)}

	if err := s.MigrateSchema(); err != nil {
		return nil, err
	}
	if err := s.prepareStatements(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SqliteStore) Close() error {
	return s.conn.Close()
}

// MigrateSchema creates the tables.
func (s *SqliteStore) MigrateSchema() error {
	_, err := s.conn.Exec(`
	create table if not exists runs (
		id text primary key,
		started timestamp not null,
		version text,
		shift integer not null,
		num_classes integer not null,
		workers integer not null
	);
	create table if not exists snapshots (
		id integer primary key autoincrement,
		run_id text not null references runs(id),
		taken timestamp not null,
		pushes integer, pops integer,
		push_misses integer, pop_misses integer,
		overflows integer, underflows integer,
		grows integer, shrinks integer,
		drains integer, resizes integer,
		virtual_bytes integer, resident_bytes integer
	);
	create index if not exists snapshots_run on snapshots (run_id, taken);
	`)
	return errors.Wrap(err, "migrate failed")
}

func (s *SqliteStore) prepareStatements() error {
	queries := map[string]string{
		"insertRun": `insert into runs
			(id, started, version, shift, num_classes, workers)
			values (?, ?, ?, ?, ?, ?)`,
		"insertSnapshot": `insert into snapshots
			(run_id, taken, pushes, pops, push_misses, pop_misses,
			 overflows, underflows, grows, shrinks, drains, resizes,
			 virtual_bytes, resident_bytes)
			values (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		"selectSnapshotsByRun": `select run_id, taken, pushes, pops,
			push_misses, pop_misses, overflows, underflows, grows,
			shrinks, drains, resizes, virtual_bytes, resident_bytes
			from snapshots where run_id = ?
			order by taken limit ? offset ?`,
	}
	for name, q := range queries {
		stmt, err := s.conn.Prepare(q)
		if err != nil {
			return errors.Wrapf(err, "failed to prepare %s", name)
		}
		s.stmts[name] = stmt
	}
	return nil
}

// SaveRun implements RunStore. An empty ID is assigned.
func (s *SqliteStore) SaveRun(r *Run) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewV4().String()
	}
	_, err := s.stmts["insertRun"].Exec(
		r.ID, r.Started, r.Version, r.Shift, r.NumClasses, r.Workers)
	return errors.Wrap(err, "insertRun")
}

// SaveSnapshot implements SnapshotStore.
func (s *SqliteStore) SaveSnapshot(snap *Snapshot) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	_, err := s.stmts["insertSnapshot"].Exec(
		snap.RunID, snap.Taken,
		snap.Stats.Pushes, snap.Stats.Pops,
		snap.Stats.PushMisses, snap.Stats.PopMisses,
		snap.Stats.Overflows, snap.Stats.Underflows,
		snap.Stats.Grows, snap.Stats.Shrinks,
		snap.Stats.Drains, snap.Stats.Resizes,
		snap.VirtualBytes, snap.ResidentBytes)
	return errors.Wrap(err, "insertSnapshot")
}

// SnapshotsByRun implements SnapshotStore.
func (s *SqliteStore) SnapshotsByRun(runID string, offset, limit int) ([]*Snapshot, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	rows, err := s.stmts["selectSnapshotsByRun"].Query(runID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "selectSnapshotsByRun")
	}
	defer rows.Close()

	var snaps []*Snapshot
	for rows.Next() {
		var snap Snapshot
		err = rows.Scan(&snap.RunID, &snap.Taken,
			&snap.Stats.Pushes, &snap.Stats.Pops,
			&snap.Stats.PushMisses, &snap.Stats.PopMisses,
			&snap.Stats.Overflows, &snap.Stats.Underflows,
			&snap.Stats.Grows, &snap.Stats.Shrinks,
			&snap.Stats.Drains, &snap.Stats.Resizes,
			&snap.VirtualBytes, &snap.ResidentBytes)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, &snap)
	}
	return snaps, rows.Err()
}
