package db

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/posefusion/internal/pose/geom"
	"github.com/banshee-data/posefusion/internal/pose/markers"
	"github.com/banshee-data/posefusion/internal/pose/tracking"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "pose.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_Pragmas(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)

	var journalMode string
	require.NoError(t, db.QueryRow("PRAGMA journal_mode").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)

	var foreignKeys int
	require.NoError(t, db.QueryRow("PRAGMA foreign_keys").Scan(&foreignKeys))
	assert.Equal(t, 1, foreignKeys)
}

func TestMigrations(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(2), version)
	assert.False(t, dirty)

	// Running again is a no-op.
	require.NoError(t, db.MigrateUp())

	require.NoError(t, db.MigrateDown())
	version, _, err = db.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	var n int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE name = 'pose_samples'`).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestSettingsStore(t *testing.T) {
	t.Parallel()

	s := NewSettingsStore(openTestDB(t))

	_, ok, err := s.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Set("anchor_ids", "0,3"))
	require.NoError(t, s.Set("anchor_ids", "5"))
	v, ok, err := s.Get("anchor_ids")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "5", v)

	all, err := s.All()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"anchor_ids": "5"}, all)

	require.NoError(t, s.Delete("anchor_ids"))
	require.NoError(t, s.Delete("anchor_ids"))
	_, ok, err = s.Get("anchor_ids")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSettingsStore_MarkerOverrides(t *testing.T) {
	t.Parallel()

	s := NewSettingsStore(openTestDB(t))
	off := markers.MarkerOffset{
		Position: geom.Vec{Z: 0.03},
		Rotation: geom.FromAxisAngle(geom.Vec{Y: 1}, geom.Radians(90)),
	}
	require.NoError(t, markers.SaveOffset(s, 2, off))
	require.NoError(t, markers.SaveAnchorIDs(s, map[int]bool{2: true, 0: true}))

	table := markers.OffsetTable{}
	n, err := markers.LoadOffsets(s, table)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, ok := table.Lookup(2)
	require.True(t, ok)
	assert.InDelta(t, 0.03, got.Position.Z, 1e-12)

	ids, err := markers.LoadAnchorIDs(s)
	require.NoError(t, err)
	assert.Equal(t, map[int]bool{0: true, 2: true}, ids)
}

func TestRecorder(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	start := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	rec, err := StartSession(db, "desktop", tracking.FilterAdaptive, start)
	require.NoError(t, err)
	require.NotEmpty(t, rec.SessionID())

	hit := tracking.Output{
		At:       start.Add(time.Second),
		Position: geom.Vec{X: 0.1, Y: 0.2, Z: -0.5},
		Rotation: geom.Identity(),
		Fused:    geom.Vec{X: 0.11, Y: 0.2, Z: -0.5},
		HasFused: true,
		Tracking: true,
		Visible:  true,
		Snapped:  true,
	}
	hit.Telemetry.PoolSize = 2
	hit.Telemetry.AnchorState = tracking.AnchorBuilding

	tick := hit
	tick.At = start.Add(1016 * time.Millisecond)
	tick.HasFused = false

	lost := tick
	lost.At = start.Add(2 * time.Second)
	lost.Tracking = false
	lost.Visible = false

	rec.Publish(hit)
	rec.Publish(tick) // skipped: no measurement and no state change
	rec.Publish(lost)
	require.NoError(t, rec.End(start.Add(3*time.Second)))

	samples, err := db.Samples(rec.SessionID())
	require.NoError(t, err)
	require.Len(t, samples, 2)

	first := samples[0]
	assert.True(t, first.At.Equal(hit.At))
	assert.Equal(t, hit.Position, first.Position)
	assert.Equal(t, geom.Identity(), first.Rotation)
	require.NotNil(t, first.Fused)
	assert.Equal(t, hit.Fused, *first.Fused)
	assert.True(t, first.Snapped)
	assert.Equal(t, 2, first.PoolSize)
	assert.Equal(t, "building", first.AnchorState)

	assert.Nil(t, samples[1].Fused)
	assert.False(t, samples[1].Tracking)

	sessions, err := db.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "desktop", sessions[0].Preset)
	assert.Equal(t, "adaptive", sessions[0].FilterMode)
	require.NotNil(t, sessions[0].EndedAt)
	assert.True(t, sessions[0].EndedAt.Equal(start.Add(3*time.Second)))
}

func TestAttachAdminRoutes(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	_, err := StartSession(db, "mobile", tracking.FilterEKF, time.Now())
	require.NoError(t, err)

	mux := http.NewServeMux()
	require.NoError(t, db.AttachAdminRoutes(mux))

	req := httptest.NewRequest(http.MethodGet, "/debug/sessions", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"preset":"mobile"`)
}
