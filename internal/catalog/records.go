package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"neurorec/internal/faults"
)

// Run is one recording session.
type Run struct {
	ID          string
	Name        string
	Dir         string
	TriggerMode string
	StartedAt   time.Time
	EndedAt     time.Time
	Error       string
}

// Segment is one finalized data file.
type Segment struct {
	ID          int64
	RunID       string
	Stream      string
	Label       string
	Path        string
	Gate        int
	Trigger     int
	Scans       uint64
	Bytes       int64
	SHA1        string
	FirstSample uint64
	SampleRate  float64
	ClosedAt    time.Time
	Error       string
	Verified    *bool
	VerifiedAt  time.Time
}

// Filter narrows ListSegments. Zero values match everything.
type Filter struct {
	RunID  string
	Stream string
	Limit  int
}

// BeginRun inserts a session row.
func (s *Store) BeginRun(ctx context.Context, r Run) error {
	if strings.TrimSpace(r.ID) == "" {
		return faults.Wrap(faults.ErrValidation, "catalog", "begin run", "run id is required", nil)
	}
	_, err := s.exec(ctx,
		`INSERT INTO runs (id, name, run_dir, trigger_mode, started_at) VALUES (?, ?, ?, ?, ?)`,
		r.ID, r.Name, r.Dir, r.TriggerMode, formatTime(r.StartedAt),
	)
	if err != nil {
		return faults.Wrap(faults.ErrIO, "catalog", "begin run", r.ID, err)
	}
	return nil
}

// EndRun stamps the session end and the error that stopped it, if any.
func (s *Store) EndRun(ctx context.Context, id string, at time.Time, runErr error) error {
	var msg string
	if runErr != nil {
		msg = runErr.Error()
	}
	res, err := s.exec(ctx, `UPDATE runs SET ended_at = ?, error_message = ? WHERE id = ?`,
		formatTime(at), nullableString(msg), id)
	if err != nil {
		return faults.Wrap(faults.ErrIO, "catalog", "end run", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.Wrap(faults.ErrNotFound, "catalog", "end run", fmt.Sprintf("run %s", id), nil)
	}
	return nil
}

// Runs lists sessions, newest first.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, run_dir, trigger_mode, started_at, ended_at, error_message
		 FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, faults.Wrap(faults.ErrIO, "catalog", "list runs", "query", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		var (
			r              Run
			started, ended sql.NullString
			errMsg         sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Dir, &r.TriggerMode, &started, &ended, &errMsg); err != nil {
			return nil, faults.Wrap(faults.ErrIO, "catalog", "list runs", "scan", err)
		}
		r.StartedAt = parseTime(started)
		r.EndedAt = parseTime(ended)
		r.Error = errMsg.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordSegment stores a finalized file. Recording the same path twice
// replaces the earlier row.
func (s *Store) RecordSegment(ctx context.Context, seg Segment) (int64, error) {
	if seg.Path == "" || seg.RunID == "" {
		return 0, faults.Wrap(faults.ErrValidation, "catalog", "record segment", "run id and path are required", nil)
	}
	res, err := s.exec(ctx,
		`INSERT INTO segments (run_id, stream, label, path, gate_index, trigger_index, scans, bytes, sha1,
		     first_sample, sample_rate, closed_at, error_message)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
		     scans = excluded.scans, bytes = excluded.bytes, sha1 = excluded.sha1,
		     first_sample = excluded.first_sample, closed_at = excluded.closed_at,
		     error_message = excluded.error_message, verified = NULL, verified_at = NULL`,
		seg.RunID, seg.Stream, seg.Label, seg.Path, seg.Gate, seg.Trigger, int64(seg.Scans), seg.Bytes,
		nullableString(seg.SHA1), int64(seg.FirstSample), seg.SampleRate, formatTime(seg.ClosedAt),
		nullableString(seg.Error),
	)
	if err != nil {
		return 0, faults.Wrap(faults.ErrIO, "catalog", "record segment", seg.Path, err)
	}
	id, _ := res.LastInsertId()
	return id, nil
}

// MarkVerified records the outcome of a digest check for path.
func (s *Store) MarkVerified(ctx context.Context, path string, ok bool, at time.Time) error {
	v := 0
	if ok {
		v = 1
	}
	res, err := s.exec(ctx, `UPDATE segments SET verified = ?, verified_at = ? WHERE path = ?`, v, formatTime(at), path)
	if err != nil {
		return faults.Wrap(faults.ErrIO, "catalog", "mark verified", path, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.Wrap(faults.ErrNotFound, "catalog", "mark verified", path, nil)
	}
	return nil
}

const segmentColumns = `id, run_id, stream, label, path, gate_index, trigger_index, scans, bytes, sha1,
	first_sample, sample_rate, closed_at, error_message, verified, verified_at`

// ListSegments returns matching segments ordered by run, gate and trigger.
func (s *Store) ListSegments(ctx context.Context, f Filter) ([]Segment, error) {
	var (
		where []string
		args  []any
	)
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.Stream != "" {
		where = append(where, "stream = ?")
		args = append(args, f.Stream)
	}
	query := "SELECT " + segmentColumns + " FROM segments"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY closed_at, gate_index, trigger_index, label"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, faults.Wrap(faults.ErrIO, "catalog", "list segments", "query", err)
	}
	defer rows.Close()
	var out []Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, faults.Wrap(faults.ErrIO, "catalog", "list segments", "scan", err)
		}
		out = append(out, seg)
	}
	return out, rows.Err()
}

// SegmentByPath returns the segment recorded for path.
func (s *Store) SegmentByPath(ctx context.Context, path string) (Segment, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+segmentColumns+" FROM segments WHERE path = ?", path)
	seg, err := scanSegment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Segment{}, faults.Wrap(faults.ErrNotFound, "catalog", "segment", path, nil)
	}
	if err != nil {
		return Segment{}, faults.Wrap(faults.ErrIO, "catalog", "segment", path, err)
	}
	return seg, nil
}

func scanSegment(scanner interface{ Scan(dest ...any) error }) (Segment, error) {
	var (
		seg         Segment
		scans       int64
		first       int64
		sha         sql.NullString
		closed      sql.NullString
		errMsg      sql.NullString
		verified    sql.NullInt64
		verifiedRaw sql.NullString
	)
	if err := scanner.Scan(&seg.ID, &seg.RunID, &seg.Stream, &seg.Label, &seg.Path, &seg.Gate, &seg.Trigger,
		&scans, &seg.Bytes, &sha, &first, &seg.SampleRate, &closed, &errMsg, &verified, &verifiedRaw); err != nil {
		return Segment{}, err
	}
	seg.Scans = uint64(scans)
	seg.FirstSample = uint64(first)
	seg.SHA1 = sha.String
	seg.ClosedAt = parseTime(closed)
	seg.Error = errMsg.String
	if verified.Valid {
		ok := verified.Int64 != 0
		seg.Verified = &ok
	}
	seg.VerifiedAt = parseTime(verifiedRaw)
	return seg, nil
}
