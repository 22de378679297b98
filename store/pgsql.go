package store

import (
	"github.com/jackc/pgx"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
)

// PgsqlStore is the postgres store backend.
type PgsqlStore struct {
	*pgx.ConnPool
}

// NewPgsqlStore connects and initializes a postgres store.
func NewPgsqlStore(dsn string) (*PgsqlStore, error) {
	cfg, err := pgx.ParseURI(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse DSN")
	}
	c, err := pgx.NewConnPool(pgx.ConnPoolConfig{ConnConfig: cfg, MaxConnections: 10})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect store")
	}

	s := &PgsqlStore{c}

	if err := s.MigrateSchema(); err != nil {
		return nil, err
	}
	if err := s.prepareStatements(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PgsqlStore) Close() error {
	s.ConnPool.Close()
	return nil
}

// MigrateSchema creates the tables.
func (s *PgsqlStore) MigrateSchema() error {
	_, err := s.Exec(`
	create table if not exists runs (
		id uuid primary key,
		started timestamptz not null,
		version text,
		shift smallint not null,
		num_classes integer not null,
		workers integer not null
	);
	create table if not exists snapshots (
		id bigserial primary key,
		run_id uuid not null references runs(id),
		taken timestamptz not null,
		pushes bigint, pops bigint,
		push_misses bigint, pop_misses bigint,
		overflows bigint, underflows bigint,
		grows bigint, shrinks bigint,
		drains bigint, resizes bigint,
		virtual_bytes bigint, resident_bytes bigint
	);
	create index if not exists snapshots_run on snapshots (run_id, taken);
	`)
	return errors.Wrap(err, "migrate failed")
}

func (s *PgsqlStore) prepareStatements() error {
	queries := map[string]string{
		"insertRun": `insert into runs
			(id, started, version, shift, num_classes, workers)
			values ($1, $2, $3, $4, $5, $6)`,
		"insertSnapshot": `insert into snapshots
			(run_id, taken, pushes, pops, push_misses, pop_misses,
			 overflows, underflows, grows, shrinks, drains, resizes,
			 virtual_bytes, resident_bytes)
			values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		"selectSnapshotsByRun": `select run_id, taken, pushes, pops,
			push_misses, pop_misses, overflows, underflows, grows,
			shrinks, drains, resizes, virtual_bytes, resident_bytes
			from snapshots where run_id = $1
			order by taken limit $2 offset $3`,
	}
	for name, q := range queries {
		if _, err := s.Prepare(name, q); err != nil {
			return errors.Wrapf(err, "failed to prepare %s", name)
		}
	}
	return nil
}

// SaveRun implements RunStore. An empty ID is assigned.
func (s *PgsqlStore) SaveRun(r *Run) error {
	if r.ID == "" {
		r.ID = uuid.NewV4().String()
	}
	_, err := s.Exec("insertRun",
		r.ID, r.Started, r.Version, int16(r.Shift), r.NumClasses, r.Workers)
	return errors.Wrap(err, "insertRun")
}

// SaveSnapshot implements SnapshotStore.
func (s *PgsqlStore) SaveSnapshot(snap *Snapshot) error {
	_, err := s.Exec("insertSnapshot",
		snap.RunID, snap.Taken,
		int64(snap.Stats.Pushes), int64(snap.Stats.Pops),
		int64(snap.Stats.PushMisses), int64(snap.Stats.PopMisses),
		int64(snap.Stats.Overflows), int64(snap.Stats.Underflows),
		int64(snap.Stats.Grows), int64(snap.Stats.Shrinks),
		int64(snap.Stats.Drains), int64(snap.Stats.Resizes),
		int64(snap.VirtualBytes), int64(snap.ResidentBytes))
	return errors.Wrap(err, "insertSnapshot")
}

// SnapshotsByRun implements SnapshotStore.
func (s *PgsqlStore) SnapshotsByRun(runID string, offset, limit int) ([]*Snapshot, error) {
	rows, err := s.Query("selectSnapshotsByRun", runID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "selectSnapshotsByRun")
	}
	defer rows.Close()

	var snaps []*Snapshot
	for rows.Next() {
		var snap Snapshot
		var pushes, pops, pushMisses, popMisses int64
		var overflows, underflows, grows, shrinks int64
		var drains, resizes, virtualBytes, residentBytes int64
		err = rows.Scan(&snap.RunID, &snap.Taken,
			&pushes, &pops, &pushMisses, &popMisses,
			&overflows, &underflows, &grows, &shrinks,
			&drains, &resizes, &virtualBytes, &residentBytes)
		if err != nil {
			return nil, err
		}
		snap.Stats.Pushes = uint64(pushes)
		snap.Stats.Pops = uint64(pops)
		snap.Stats.PushMisses = uint64(pushMisses)
		snap.Stats.PopMisses = uint64(popMisses)
		snap.Stats.Overflows = uint64(overflows)
		snap.Stats.Underflows = uint64(underflows)
		snap.Stats.Grows = uint64(grows)
		snap.Stats.Shrinks = uint64(shrinks)
		snap.Stats.Drains = uint64(drains)
		snap.Stats.Resizes = uint64(resizes)
		snap.VirtualBytes = uint64(virtualBytes)
		snap.ResidentBytes = uint64(residentBytes)
		snaps = append(snaps, &snap)
	}
	return snaps, rows.Err()
}
