package db

import (
	"database/sql"
	"errors"
	"time"
)

type Run struct {
	ID       string
	Workflow string
	Targets  int
	Started  time.Time
	Finished time.Time
}

type ProjectResult struct {
	RunID       string
	ProjectID   int
	ProjectSlug string
	Status      string
	Error       string
	StatePath   string
	PullRequest string
	Duration    time.Duration
}

var ErrRunNotFound = errors.New("run not found")

func (d *DB) StartRun(r Run) error {
	_, err := d.Exec(`
		insert into runs (id, workflow, targets, started)
		values (?, ?, ?, ?)
	`, r.ID, r.Workflow, r.Targets, r.Started.UTC().Format(time.RFC3339))
	return err
}

func (d *DB) FinishRun(id string, finished time.Time) error {
	res, err := d.Exec(`update runs set finished = ? where id = ?`, finished.UTC().Format(time.RFC3339), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// RecordProject stores a project outcome. Recording the same project twice
// in one run keeps the latest outcome.
func (d *DB) RecordProject(p ProjectResult) error {
	_, err := d.Exec(`
		insert into project_results (run_id, project_id, project_slug, status, error, state_path, pull_request, duration_ms)
		values (?, ?, ?, ?, ?, ?, ?, ?)
		on conflict(run_id, project_id) do update set
			status = excluded.status,
			error = excluded.error,
			state_path = excluded.state_path,
			pull_request = excluded.pull_request,
			duration_ms = excluded.duration_ms
	`, p.RunID, p.ProjectID, p.ProjectSlug, p.Status, p.Error, p.StatePath, p.PullRequest, p.Duration.Milliseconds())
	return err
}

func scanRun(row interface{ Scan(...any) error }) (Run, error) {
	var r Run
	var started string
	var finished sql.NullString
	if err := row.Scan(&r.ID, &r.Workflow, &r.Targets, &started, &finished); err != nil {
		return r, err
	}
	r.Started, _ = time.Parse(time.RFC3339, started)
	if finished.Valid {
		r.Finished, _ = time.Parse(time.RFC3339, finished.String)
	}
	return r, nil
}

func (d *DB) GetRun(id string) (Run, error) {
	row := d.QueryRow(`select id, workflow, targets, started, finished from runs where id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return r, ErrRunNotFound
	}
	return r, err
}

// ListRuns returns the most recent runs first.
func (d *DB) ListRuns(limit int) ([]Run, error) {
	rows, err := d.Query(`
		select id, workflow, targets, started, finished
		from runs
		order by started desc, rowid desc
		limit ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (d *DB) ProjectResults(runID string) ([]ProjectResult, error) {
	rows, err := d.Query(`
		select run_id, project_id, project_slug, status, error, state_path, pull_request, duration_ms
		from project_results
		where run_id = ?
		order by id asc
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProjectResult
	for rows.Next() {
		var p ProjectResult
		var ms int64
		if err := rows.Scan(&p.RunID, &p.ProjectID, &p.ProjectSlug, &p.Status, &p.Error, &p.StatePath, &p.PullRequest, &ms); err != nil {
			return nil, err
		}
		p.Duration = time.Duration(ms) * time.Millisecond
		out = append(out, p)
	}
	return out, rows.Err()
}
