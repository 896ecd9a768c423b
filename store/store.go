// Package store keeps the history of training and evaluation runs in a SQLite database: one row
// per run, the loss components of every step and the per-class scores of evaluations.
package store

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/sensorable/cvlab"
)

// DB wraps the SQLite database connection with thread-safe access.
type DB struct {
	conn *sql.DB
	mu   sync.RWMutex
}

// Open opens or creates the database at path and creates the tables if necessary.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, errors.Wrap(err, "failed to open database")
	}

	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "failed to migrate database")
	}

	return db, nil
}

// migrate creates the necessary tables if they don't exist.
func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		pipeline TEXT NOT NULL,
		params TEXT NOT NULL DEFAULT '{}',
		started_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS losses (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL,
		step INTEGER NOT NULL,
		component TEXT NOT NULL,
		value REAL NOT NULL,
		weight REAL NOT NULL,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS class_scores (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL,
		class INTEGER NOT NULL,
		iou REAL NOT NULL,
		dice REAL NOT NULL,
		absent INTEGER NOT NULL DEFAULT 0,
		FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_losses_run_id ON losses(run_id, step);
	CREATE INDEX IF NOT EXISTS idx_class_scores_run_id ON class_scores(run_id);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// RunInfo describes a stored run.
type RunInfo struct {
	ID        int64
	Pipeline  string
	Params    map[string]interface{}
	StartedAt time.Time
}

// Run records the results of one run. It implements cvlab.LossRecorder and cvlab.ScoreRecorder.
type Run struct {
	db *DB
	ID int64
}

// StartRun inserts a new run of pipeline with the given parameters, stored as JSON.
func (db *DB) StartRun(pipeline string, params map[string]interface{}) (*Run, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	enc, err := json.Marshal(params)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode run parameters")
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	result, err := db.conn.Exec(`INSERT INTO runs (pipeline, params, started_at) VALUES (?, ?, ?)`,
		pipeline, string(enc), time.Now().UTC())
	if err != nil {
		return nil, errors.Wrap(err, "failed to insert run")
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get the run ID")
	}
	return &Run{db: db, ID: id}, nil
}

// RecordLoss stores every component of loss for step in a single transaction.
func (r *Run) RecordLoss(step int, loss cvlab.Loss) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	tx, err := r.db.conn.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO losses (run_id, step, component, value, weight) VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare statement")
	}
	defer stmt.Close()

	for _, term := range loss {
		if _, err := stmt.Exec(r.ID, step, term.Name, term.Value, term.Weight); err != nil {
			return errors.Wrap(err, "failed to insert loss")
		}
	}

	return tx.Commit()
}

// RecordClassScores stores per-class evaluation scores.
func (r *Run) RecordClassScores(scores []cvlab.ClassScore) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	tx, err := r.db.conn.Begin()
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO class_scores (run_id, class, iou, dice, absent) VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return errors.Wrap(err, "failed to prepare statement")
	}
	defer stmt.Close()

	for _, s := range scores {
		if _, err := stmt.Exec(r.ID, s.Class, s.IOU, s.Dice, s.Absent); err != nil {
			return errors.Wrap(err, "failed to insert class score")
		}
	}

	return tx.Commit()
}

// Runs returns all runs, most recent first.
func (db *DB) Runs() ([]RunInfo, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(`SELECT id, pipeline, params, started_at FROM runs ORDER BY id DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query runs")
	}
	defer rows.Close()

	var runs []RunInfo
	for rows.Next() {
		var info RunInfo
		var params string
		if err := rows.Scan(&info.ID, &info.Pipeline, &params, &info.StartedAt); err != nil {
			return nil, errors.Wrap(err, "failed to scan run")
		}
		if err := json.Unmarshal([]byte(params), &info.Params); err != nil {
			return nil, errors.Wrapf(err, "invalid parameters of run %d", info.ID)
		}
		runs = append(runs, info)
	}

	return runs, rows.Err()
}

// StepLoss is the loss of one stored step.
type StepLoss struct {
	Step int
	Loss cvlab.Loss
}

// Losses returns the losses of a run ordered by step. Components keep their insertion order.
func (db *DB) Losses(runID int64) ([]StepLoss, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(`
		SELECT step, component, value, weight FROM losses WHERE run_id = ? ORDER BY step, id
	`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query losses")
	}
	defer rows.Close()

	var losses []StepLoss
	for rows.Next() {
		var step int
		var term cvlab.LossTerm
		if err := rows.Scan(&step, &term.Name, &term.Value, &term.Weight); err != nil {
			return nil, errors.Wrap(err, "failed to scan loss")
		}
		if n := len(losses); n == 0 || losses[n-1].Step != step {
			losses = append(losses, StepLoss{Step: step})
		}
		last := &losses[len(losses)-1]
		last.Loss = append(last.Loss, term)
	}

	return losses, rows.Err()
}

// ClassScores returns the per-class scores of a run in insertion order.
func (db *DB) ClassScores(runID int64) ([]cvlab.ClassScore, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	rows, err := db.conn.Query(`
		SELECT class, iou, dice, absent FROM class_scores WHERE run_id = ? ORDER BY id
	`, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query class scores")
	}
	defer rows.Close()

	var scores []cvlab.ClassScore
	for rows.Next() {
		var s cvlab.ClassScore
		if err := rows.Scan(&s.Class, &s.IOU, &s.Dice, &s.Absent); err != nil {
			return nil, errors.Wrap(err, "failed to scan class score")
		}
		scores = append(scores, s)
	}

	return scores, rows.Err()
}

// DeleteRun removes a run with all its losses and scores.
func (db *DB) DeleteRun(runID int64) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if _, err := db.conn.Exec(`DELETE FROM runs WHERE id = ?`, runID); err != nil {
		return errors.Wrap(err, "failed to delete run")
	}
	return nil
}
