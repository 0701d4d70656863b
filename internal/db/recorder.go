package db

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/posefusion/internal/monitoring"
	"github.com/banshee-data/posefusion/internal/pose/geom"
	"github.com/banshee-data/posefusion/internal/pose/tracking"
)

// Session is one recorded tracker run.
type Session struct {
	ID         string     `json:"id"`
	Preset     string     `json:"preset"`
	FilterMode string     `json:"filter_mode"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// Sample is one recorded engine output.
type Sample struct {
	At          time.Time
	Position    geom.Vec
	Rotation    geom.Quat
	Fused       *geom.Vec // nil for outputs without a fused measurement
	Tracking    bool
	Visible     bool
	Snapped     bool
	PoolSize    int
	AnchorState string
	Noise       float64
}

// SampleFromOutput converts an engine output into a Sample.
func SampleFromOutput(out tracking.Output) Sample {
	s := Sample{
		At:          out.At,
		Position:    out.Position,
		Rotation:    out.Rotation,
		Tracking:    out.Tracking,
		Visible:     out.Visible,
		Snapped:     out.Snapped,
		PoolSize:    out.Telemetry.PoolSize,
		AnchorState: string(out.Telemetry.AnchorState),
		Noise:       out.Telemetry.Thresholds.Noise,
	}
	if out.HasFused {
		f := out.Fused
		s.Fused = &f
	}
	return s
}

// Recorder writes engine outputs for one session. It implements
// tracking.OutputSink; only detection outputs and tracking transitions are
// stored, render ticks are skipped.
type Recorder struct {
	db        *DB
	sessionID string

	mu           sync.Mutex
	lastTracking bool
	errCount     int
}

// StartSession creates a new session row and returns a recorder for it.
func StartSession(db *DB, preset string, mode tracking.FilterMode, at time.Time) (*Recorder, error) {
	id := uuid.NewString()
	_, err := db.Exec(`INSERT INTO pose_sessions (session_id, preset, filter_mode, started_at) VALUES (?, ?, ?, ?)`,
		id, preset, string(mode), at.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	monitoring.Logf("[Recorder] session %s started (preset=%s mode=%s)", id, preset, mode)
	return &Recorder{db: db, sessionID: id}, nil
}

// SessionID returns the recorder's session id.
func (r *Recorder) SessionID() string { return r.sessionID }

// Publish stores out when it carries a measurement or changes the tracking
// state. Write failures are logged, not returned.
func (r *Recorder) Publish(out tracking.Output) {
	r.mu.Lock()
	defer r.mu.Unlock()

	changed := out.Tracking != r.lastTracking
	r.lastTracking = out.Tracking
	if !out.HasFused && !changed {
		return
	}
	if err := r.record(SampleFromOutput(out)); err != nil {
		r.errCount++
		// Log the first failure and then every hundredth.
		if r.errCount%100 == 1 {
			monitoring.Logf("[Recorder] %v (%d failures)", err, r.errCount)
		}
	}
}

// Record stores one sample unconditionally.
func (r *Recorder) Record(s Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.record(s)
}

func (r *Recorder) record(s Sample) error {
	var fx, fy, fz sql.NullFloat64
	if s.Fused != nil {
		fx = sql.NullFloat64{Float64: s.Fused.X, Valid: true}
		fy = sql.NullFloat64{Float64: s.Fused.Y, Valid: true}
		fz = sql.NullFloat64{Float64: s.Fused.Z, Valid: true}
	}
	_, err := r.db.Exec(`
		INSERT INTO pose_samples (
			session_id, at_unix_nanos,
			pos_x, pos_y, pos_z, rot_x, rot_y, rot_z, rot_w,
			fused_x, fused_y, fused_z,
			tracking, visible, snapped, pool_size, anchor_state, noise
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.sessionID, s.At.UnixNano(),
		s.Position.X, s.Position.Y, s.Position.Z,
		s.Rotation.Imag, s.Rotation.Jmag, s.Rotation.Kmag, s.Rotation.Real,
		fx, fy, fz,
		s.Tracking, s.Visible, s.Snapped, s.PoolSize, s.AnchorState, s.Noise,
	)
	if err != nil {
		return fmt.Errorf("failed to record sample: %w", err)
	}
	return nil
}

// End stamps the session end time.
func (r *Recorder) End(at time.Time) error {
	_, err := r.db.Exec(`UPDATE pose_sessions SET ended_at = ? WHERE session_id = ?`, at.UnixNano(), r.sessionID)
	if err != nil {
		return fmt.Errorf("failed to end session %s: %w", r.sessionID, err)
	}
	monitoring.Logf("[Recorder] session %s ended", r.sessionID)
	return nil
}

// Sessions lists recorded sessions, newest first.
func (db *DB) Sessions() ([]Session, error) {
	rows, err := db.Query(`SELECT session_id, preset, filter_mode, started_at, ended_at FROM pose_sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var s Session
		var started int64
		var ended sql.NullInt64
		if err := rows.Scan(&s.ID, &s.Preset, &s.FilterMode, &started, &ended); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		s.StartedAt = time.Unix(0, started).UTC()
		if ended.Valid {
			t := time.Unix(0, ended.Int64).UTC()
			s.EndedAt = &t
		}
		sessions = append(sessions, s)
	}
	return sessions, rows.Err()
}

// Samples returns the samples of one session in time order.
func (db *DB) Samples(sessionID string) ([]Sample, error) {
	rows, err := db.Query(`
		SELECT at_unix_nanos, pos_x, pos_y, pos_z, rot_x, rot_y, rot_z, rot_w,
		       fused_x, fused_y, fused_z, tracking, visible, snapped, pool_size, anchor_state, noise
		FROM pose_samples WHERE session_id = ? ORDER BY at_unix_nanos, sample_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query samples: %w", err)
	}
	defer rows.Close()

	var samples []Sample
	for rows.Next() {
		var s Sample
		var at int64
		var rx, ry, rz, rw float64
		var fx, fy, fz sql.NullFloat64
		err := rows.Scan(&at, &s.Position.X, &s.Position.Y, &s.Position.Z, &rx, &ry, &rz, &rw,
			&fx, &fy, &fz, &s.Tracking, &s.Visible, &s.Snapped, &s.PoolSize, &s.AnchorState, &s.Noise)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sample: %w", err)
		}
		s.At = time.Unix(0, at).UTC()
		s.Rotation = geom.NewQuat(rx, ry, rz, rw)
		if fx.Valid && fy.Valid && fz.Valid {
			s.Fused = &geom.Vec{X: fx.Float64, Y: fy.Float64, Z: fz.Float64}
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}
