package db

import (
	"database/sql"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	*sql.DB
}

func Make(dbPath string) (*DB, error) {
	// https://github.com/mattn/go-sqlite3#connection-string
	opts := []string{
		"_foreign_keys=1",
		"_journal_mode=WAL",
		"_synchronous=NORMAL",
		"_auto_vacuum=incremental",
	}

	db, err := sql.Open("sqlite3", dbPath+"?"+strings.Join(opts, "&"))
	if err != nil {
		return nil, err
	}

	_, err = db.Exec(`
		-- one batch invocation
		create table if not exists runs (
			id text primary key,
			workflow text not null,
			targets integer not null,
			started text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),
			finished text
		);

		-- outcome of one project within a run
		create table if not exists project_results (
			id integer primary key autoincrement,
			run_id text not null,
			project_id integer not null,
			project_slug text not null,
			status text not null,
			error text not null default '',
			state_path text not null default '',
			pull_request text not null default '',
			duration_ms integer not null default 0,
			created text not null default (strftime('%Y-%m-%dT%H:%M:%SZ', 'now')),

			unique (run_id, project_id),
			foreign key (run_id) references runs(id) on delete cascade
		);
	`)
	if err != nil {
		return nil, err
	}

	return &DB{db}, nil
}
