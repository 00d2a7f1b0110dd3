// Package sqlite persists reconstruction runs: run metadata, the per-stage
// funnel, solved cameras and triangulated points.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/parallax-data/sfm/internal/sfm"
)

// Store provides persistence for reconstruction runs.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sfm_runs (
			run_id TEXT PRIMARY KEY,
			dataset TEXT,
			config_json TEXT,
			started_at_ns INTEGER NOT NULL,
			finished_at_ns INTEGER,
			num_images INTEGER,
			components_solved INTEGER
		);
		CREATE TABLE IF NOT EXISTS sfm_stage_counts (
			run_id TEXT NOT NULL,
			stage TEXT NOT NULL,
			items_in INTEGER NOT NULL,
			items_out INTEGER NOT NULL,
			FOREIGN KEY(run_id) REFERENCES sfm_runs(run_id)
		);
		CREATE TABLE IF NOT EXISTS sfm_cameras (
			run_id TEXT NOT NULL,
			component INTEGER NOT NULL,
			image_id INTEGER NOT NULL,
			fx DOUBLE, fy DOUBLE, cx DOUBLE, cy DOUBLE,
			k1 DOUBLE, k2 DOUBLE,
			rot_x DOUBLE, rot_y DOUBLE, rot_z DOUBLE,
			pos_x DOUBLE, pos_y DOUBLE, pos_z DOUBLE,
			FOREIGN KEY(run_id) REFERENCES sfm_runs(run_id)
		);
		CREATE TABLE IF NOT EXISTS sfm_points (
			run_id TEXT NOT NULL,
			component INTEGER NOT NULL,
			point_id INTEGER NOT NULL,
			x DOUBLE, y DOUBLE, z DOUBLE,
			track_len INTEGER,
			mean_error DOUBLE,
			FOREIGN KEY(run_id) REFERENCES sfm_runs(run_id)
		);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// RunRecord is one row of sfm_runs.
type RunRecord struct {
	RunID            string
	Dataset          string
	ConfigJSON       json.RawMessage
	StartedAtNs      int64
	FinishedAtNs     *int64
	NumImages        int
	ComponentsSolved int
}

// StageCount is one row of the per-run stage funnel.
type StageCount struct {
	Stage string
	In    int
	Out   int
}

// InsertRun creates a new run. If rec.RunID is empty, a new UUID is
// generated.
func (s *Store) InsertRun(rec *RunRecord) error {
	if rec.RunID == "" {
		rec.RunID = uuid.New().String()
	}
	if rec.StartedAtNs == 0 {
		rec.StartedAtNs = time.Now().UnixNano()
	}
	_, err := s.db.Exec(`
		INSERT INTO sfm_runs (
			run_id, dataset, config_json, started_at_ns, finished_at_ns,
			num_images, components_solved
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		rec.RunID,
		rec.Dataset,
		string(rec.ConfigJSON),
		rec.StartedAtNs,
		nullInt64(rec.FinishedAtNs),
		rec.NumImages,
		rec.ComponentsSolved,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// FinishRun marks a run complete with its final counts.
func (s *Store) FinishRun(runID string, finishedAtNs int64, numImages, componentsSolved int) error {
	res, err := s.db.Exec(`
		UPDATE sfm_runs
		SET finished_at_ns = ?, num_images = ?, components_solved = ?
		WHERE run_id = ?
	`, finishedAtNs, numImages, componentsSolved, runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run not found: %s", runID)
	}
	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(runID string) (*RunRecord, error) {
	var rec RunRecord
	var configJSON sql.NullString
	var finishedAtNs sql.NullInt64
	err := s.db.QueryRow(`
		SELECT run_id, dataset, config_json, started_at_ns, finished_at_ns,
		       num_images, components_solved
		FROM sfm_runs
		WHERE run_id = ?
	`, runID).Scan(
		&rec.RunID,
		&rec.Dataset,
		&configJSON,
		&rec.StartedAtNs,
		&finishedAtNs,
		&rec.NumImages,
		&rec.ComponentsSolved,
	)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run not found: %s", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if configJSON.Valid && configJSON.String != "" {
		rec.ConfigJSON = json.RawMessage(configJSON.String)
	}
	if finishedAtNs.Valid {
		v := finishedAtNs.Int64
		rec.FinishedAtNs = &v
	}
	return &rec, nil
}

// Runs lists all runs, most recently started first.
func (s *Store) Runs() ([]RunRecord, error) {
	rows, err := s.db.Query(`
		SELECT run_id, dataset, config_json, started_at_ns, finished_at_ns,
		       num_images, components_solved
		FROM sfm_runs
		ORDER BY started_at_ns DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var rec RunRecord
		var configJSON sql.NullString
		var finishedAtNs sql.NullInt64
		if err := rows.Scan(
			&rec.RunID,
			&rec.Dataset,
			&configJSON,
			&rec.StartedAtNs,
			&finishedAtNs,
			&rec.NumImages,
			&rec.ComponentsSolved,
		); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if configJSON.Valid && configJSON.String != "" {
			rec.ConfigJSON = json.RawMessage(configJSON.String)
		}
		if finishedAtNs.Valid {
			v := finishedAtNs.Int64
			rec.FinishedAtNs = &v
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// InsertStageCounts records the per-stage funnel of a run.
func (s *Store) InsertStageCounts(runID string, counts []StageCount) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin stage counts: %w", err)
	}
	defer tx.Rollback()
	for _, c := range counts {
		if _, err := tx.Exec(`
			INSERT INTO sfm_stage_counts (run_id, stage, items_in, items_out)
			VALUES (?, ?, ?, ?)
		`, runID, c.Stage, c.In, c.Out); err != nil {
			return fmt.Errorf("insert stage count %q: %w", c.Stage, err)
		}
	}
	return tx.Commit()
}

// StageCounts retrieves a run's stage funnel in insertion order.
func (s *Store) StageCounts(runID string) ([]StageCount, error) {
	rows, err := s.db.Query(`
		SELECT stage, items_in, items_out
		FROM sfm_stage_counts
		WHERE run_id = ?
		ORDER BY rowid
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query stage counts: %w", err)
	}
	defer rows.Close()

	var out []StageCount
	for rows.Next() {
		var c StageCount
		if err := rows.Scan(&c.Stage, &c.In, &c.Out); err != nil {
			return nil, fmt.Errorf("scan stage count: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// InsertReconstruction writes one component's cameras and points in a
// single transaction. Rotations are stored as axis-angle vectors and
// positions as world-frame camera centers.
func (s *Store) InsertReconstruction(runID string, recon *sfm.Reconstruction) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin reconstruction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range sortedCameraIDs(recon.Cameras) {
		cam := recon.Cameras[id]
		w := cam.Pose.R.Logmap()
		c := cam.Pose.Center()
		if _, err := tx.Exec(`
			INSERT INTO sfm_cameras (
				run_id, component, image_id,
				fx, fy, cx, cy, k1, k2,
				rot_x, rot_y, rot_z, pos_x, pos_y, pos_z
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			runID, recon.Component, int(id),
			cam.Intr.Fx, cam.Intr.Fy, cam.Intr.Cx, cam.Intr.Cy,
			cam.Intr.K1, cam.Intr.K2,
			w[0], w[1], w[2], c[0], c[1], c[2],
		); err != nil {
			return fmt.Errorf("insert camera %d: %w", id, err)
		}
	}
	for i := range recon.Tracks {
		t := &recon.Tracks[i]
		if _, err := tx.Exec(`
			INSERT INTO sfm_points (
				run_id, component, point_id, x, y, z, track_len, mean_error
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			runID, recon.Component, i,
			t.Point[0], t.Point[1], t.Point[2],
			t.Len(), t.MeanError,
		); err != nil {
			return fmt.Errorf("insert point %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// StoredCamera is one row of sfm_cameras mapped back to domain types.
type StoredCamera struct {
	Component int
	Camera    sfm.Camera
}

// Cameras retrieves a run's cameras ordered by component then image ID.
func (s *Store) Cameras(runID string) ([]StoredCamera, error) {
	rows, err := s.db.Query(`
		SELECT component, image_id, fx, fy, cx, cy, k1, k2,
		       rot_x, rot_y, rot_z, pos_x, pos_y, pos_z
		FROM sfm_cameras
		WHERE run_id = ?
		ORDER BY component, image_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query cameras: %w", err)
	}
	defer rows.Close()

	var out []StoredCamera
	for rows.Next() {
		var sc StoredCamera
		var imageID int
		var w, c sfm.Vec3
		if err := rows.Scan(
			&sc.Component, &imageID,
			&sc.Camera.Intr.Fx, &sc.Camera.Intr.Fy,
			&sc.Camera.Intr.Cx, &sc.Camera.Intr.Cy,
			&sc.Camera.Intr.K1, &sc.Camera.Intr.K2,
			&w[0], &w[1], &w[2], &c[0], &c[1], &c[2],
		); err != nil {
			return nil, fmt.Errorf("scan camera: %w", err)
		}
		r := sfm.Expmap(w)
		sc.Camera.ID = sfm.ImageID(imageID)
		sc.Camera.Pose = sfm.Pose{R: r, T: r.Apply(c).Scale(-1)}
		sc.Camera.Solved = true
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CountPoints returns the number of stored points for a run.
func (s *Store) CountPoints(runID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sfm_points WHERE run_id = ?`, runID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count points: %w", err)
	}
	return n, nil
}

func sortedCameraIDs(cams map[sfm.ImageID]sfm.Camera) []sfm.ImageID {
	ids := make([]sfm.ImageID, 0, len(cams))
	for id := range cams {
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j] < ids[j-1]; j-- {
			ids[j], ids[j-1] = ids[j-1], ids[j]
		}
	}
	return ids
}

func nullInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
