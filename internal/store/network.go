package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/dpup/impedance.ersn.net/server/internal/lib/network"
)

const networkSchema = `
CREATE TABLE IF NOT EXISTS segments (
	id          TEXT PRIMARY KEY,
	dataset_id  TEXT NOT NULL,
	class       TEXT NOT NULL,
	start_lat   REAL NOT NULL,
	start_lon   REAL NOT NULL,
	end_lat     REAL NOT NULL,
	end_lon     REAL NOT NULL,
	from_node   TEXT NOT NULL,
	to_node     TEXT NOT NULL,
	length_ft   REAL NOT NULL,
	attributes  TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_segments_dataset ON segments(dataset_id, class);

CREATE TABLE IF NOT EXISTS aux_records (
	type        TEXT NOT NULL,
	id          TEXT NOT NULL,
	segment_id  TEXT NOT NULL,
	attributes  TEXT NOT NULL DEFAULT '{}',
	PRIMARY KEY (type, id)
);
CREATE INDEX IF NOT EXISTS idx_aux_segment ON aux_records(segment_id);

CREATE TABLE IF NOT EXISTS aggregation_runs (
	run_id      TEXT PRIMARY KEY,
	dataset_id  TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	timestamp   TEXT NOT NULL,
	edges       INTEGER NOT NULL,
	emitted     INTEGER NOT NULL,
	created_ms  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_dataset ON aggregation_runs(dataset_id, created_ms);
`

// RunRecord is the stored summary of one aggregation run
type RunRecord struct {
	RunID         string `json:"run_id"`
	DatasetID     string `json:"dataset_id"`
	Fingerprint   string `json:"fingerprint"`
	Timestamp     string `json:"timestamp"`
	Edges         int    `json:"edges"`
	Emitted       bool   `json:"emitted"`
	CreatedMillis int64  `json:"created_millis"`
}

// NetworkRepository stores segments, auxiliary records and aggregation runs in sqlite
type NetworkRepository struct {
	db *sql.DB
}

// OpenNetworkRepository opens the database at path and creates the schema.
// ":memory:" gives a private in-memory database.
func OpenNetworkRepository(path string) (*NetworkRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open network database")
	}

	if path == ":memory:" {
		// Every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, errors.Wrap(err, "failed to enable WAL")
		}
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to connect to network database")
	}
	if _, err := db.Exec(networkSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create schema")
	}

	log.Printf("Network database initialized: %s", path)
	return &NetworkRepository{db: db}, nil
}

// Close closes the database
func (r *NetworkRepository) Close() error {
	return r.db.Close()
}

// Transaction executes fn within a database transaction
func (r *NetworkRepository) Transaction(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}

	defer func() {
		if p := recover(); p != nil {
			if rbErr := tx.Rollback(); rbErr != nil {
				log.Printf("Rollback after panic failed: %v", rbErr)
			}
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return errors.Wrapf(err, "rollback failed: %v", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "failed to commit transaction")
	}
	return nil
}

// UpsertSegments inserts or replaces segments. Invalid segments abort the whole write.
func (r *NetworkRepository) UpsertSegments(ctx context.Context, segments []network.Segment) error {
	return r.Transaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO segments
			(id, dataset_id, class, start_lat, start_lon, end_lat, end_lon, from_node, to_node, length_ft, attributes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				dataset_id = excluded.dataset_id, class = excluded.class,
				start_lat = excluded.start_lat, start_lon = excluded.start_lon,
				end_lat = excluded.end_lat, end_lon = excluded.end_lon,
				from_node = excluded.from_node, to_node = excluded.to_node,
				length_ft = excluded.length_ft, attributes = excluded.attributes`)
		if err != nil {
			return errors.Wrap(err, "prepare segment insert")
		}
		defer stmt.Close()

		for _, s := range segments {
			if err := s.Validate(); err != nil {
				return err
			}
			attrs, err := encodeAttributes(s.Attributes)
			if err != nil {
				return errors.Wrapf(err, "segment %s", s.ID)
			}
			if _, err := stmt.ExecContext(ctx, s.ID, s.DatasetID, string(s.Class),
				s.Start.Latitude, s.Start.Longitude, s.End.Latitude, s.End.Longitude,
				s.FromNode, s.ToNode, s.Length, attrs); err != nil {
				return errors.Wrapf(err, "insert segment %s", s.ID)
			}
		}
		return nil
	})
}

// Segments returns a dataset's segments ordered by id. An empty class returns both classes.
func (r *NetworkRepository) Segments(ctx context.Context, datasetID string, class network.SegmentClass) ([]network.Segment, error) {
	query := `SELECT id, dataset_id, class, start_lat, start_lon, end_lat, end_lon,
		from_node, to_node, length_ft, attributes FROM segments WHERE dataset_id = ?`
	args := []interface{}{datasetID}
	if class != "" {
		query += " AND class = ?"
		args = append(args, string(class))
	}
	query += " ORDER BY id"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query segments")
	}
	defer rows.Close()

	var out []network.Segment
	for rows.Next() {
		var s network.Segment
		var cls, attrs string
		if err := rows.Scan(&s.ID, &s.DatasetID, &cls,
			&s.Start.Latitude, &s.Start.Longitude, &s.End.Latitude, &s.End.Longitude,
			&s.FromNode, &s.ToNode, &s.Length, &attrs); err != nil {
			return nil, errors.Wrap(err, "scan segment")
		}
		s.Class = network.SegmentClass(cls)
		if s.Attributes, err = decodeAttributes(attrs); err != nil {
			return nil, errors.Wrapf(err, "segment %s attributes", s.ID)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpsertAuxRecords inserts or replaces auxiliary records
func (r *NetworkRepository) UpsertAuxRecords(ctx context.Context, records []network.AuxRecord) error {
	return r.Transaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO aux_records (type, id, segment_id, attributes)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(type, id) DO UPDATE SET segment_id = excluded.segment_id, attributes = excluded.attributes`)
		if err != nil {
			return errors.Wrap(err, "prepare aux insert")
		}
		defer stmt.Close()

		for _, rec := range records {
			if rec.ID == "" || rec.SegmentID == "" {
				return &network.MalformedInputError{Kind: "aux record", ID: rec.ID, Reason: "missing id or segment id"}
			}
			if _, err := network.ParseAuxType(string(rec.Type)); err != nil {
				return &network.MalformedInputError{Kind: "aux record", ID: rec.ID, Reason: err.Error()}
			}
			attrs, err := encodeAttributes(rec.Attributes)
			if err != nil {
				return errors.Wrapf(err, "aux record %s", rec.ID)
			}
			if _, err := stmt.ExecContext(ctx, string(rec.Type), rec.ID, rec.SegmentID, attrs); err != nil {
				return errors.Wrapf(err, "insert aux record %s", rec.ID)
			}
		}
		return nil
	})
}

// AuxRecords returns the auxiliary records of a dataset's segments
func (r *NetworkRepository) AuxRecords(ctx context.Context, datasetID string) ([]network.AuxRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT a.type, a.id, a.segment_id, a.attributes
		FROM aux_records a JOIN segments s ON s.id = a.segment_id
		WHERE s.dataset_id = ? ORDER BY a.segment_id, a.type, a.id`, datasetID)
	if err != nil {
		return nil, errors.Wrap(err, "query aux records")
	}
	defer rows.Close()

	var out []network.AuxRecord
	for rows.Next() {
		var rec network.AuxRecord
		var typ, attrs string
		if err := rows.Scan(&typ, &rec.ID, &rec.SegmentID, &attrs); err != nil {
			return nil, errors.Wrap(err, "scan aux record")
		}
		rec.Type = network.AuxType(typ)
		if rec.Attributes, err = decodeAttributes(attrs); err != nil {
			return nil, errors.Wrapf(err, "aux record %s attributes", rec.ID)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Datasets lists dataset ids that have segments
func (r *NetworkRepository) Datasets(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT DISTINCT dataset_id FROM segments ORDER BY dataset_id")
	if err != nil {
		return nil, errors.Wrap(err, "query datasets")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan dataset")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// RecordRun stores an aggregation run summary
func (r *NetworkRepository) RecordRun(ctx context.Context, run RunRecord) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO aggregation_runs
		(run_id, dataset_id, fingerprint, timestamp, edges, emitted, created_ms) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.DatasetID, run.Fingerprint, run.Timestamp, run.Edges, run.Emitted, run.CreatedMillis)
	return errors.Wrapf(err, "record run %s", run.RunID)
}

// LastRun returns the most recent run for a dataset, or false if there is none
func (r *NetworkRepository) LastRun(ctx context.Context, datasetID string) (RunRecord, bool, error) {
	var run RunRecord
	err := r.db.QueryRowContext(ctx, `SELECT run_id, dataset_id, fingerprint, timestamp, edges, emitted, created_ms
		FROM aggregation_runs WHERE dataset_id = ? ORDER BY created_ms DESC, rowid DESC LIMIT 1`, datasetID).
		Scan(&run.RunID, &run.DatasetID, &run.Fingerprint, &run.Timestamp, &run.Edges, &run.Emitted, &run.CreatedMillis)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, false, nil
	}
	if err != nil {
		return RunRecord{}, false, errors.Wrap(err, "query last run")
	}
	return run, true, nil
}

func encodeAttributes(attrs map[string]string) (string, error) {
	if len(attrs) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(attrs)
	return string(data), err
}

func decodeAttributes(s string) (map[string]string, error) {
	var attrs map[string]string
	if err := json.Unmarshal([]byte(s), &attrs); err != nil {
		return nil, err
	}
	if len(attrs) == 0 {
		return nil, nil
	}
	return attrs, nil
}
