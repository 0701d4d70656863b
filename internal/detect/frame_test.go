package detect

import (
	"testing"
	"time"

	"github.com/golang/geo/r3"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/posefusion/internal/pose/markers"
)

const sampleFrame = `{"ts_ms":1700000000123,"markers":[
 {"id":3,"corners":[[10,10],[60,10],[60,60],[10,60]],"rvec":[0.1,0.2,0.3],"tvec":[0.01,0.02,0.5],
  "pose_error":0.05,"confidence":0.8,"camera_angle_deg":12,"source":"opencv-pnp"},
 {"id":4,"corners":[[0,0],[1,0],[1,1],[0,1]],"confidence":0.4}
]}`

func TestParseFrame(t *testing.T) {
	t.Parallel()

	f, err := ParseFrame([]byte(sampleFrame))
	require.NoError(t, err)
	assert.True(t, f.At.Equal(time.UnixMilli(1700000000123)))
	require.Len(t, f.Observations, 2)

	want := []markers.Observation{
		{
			ID:      3,
			Corners: [4]markers.Point{{X: 10, Y: 10}, {X: 60, Y: 10}, {X: 60, Y: 60}, {X: 10, Y: 60}},
			Pose: &markers.CameraPose{
				Rvec: r3.Vector{X: 0.1, Y: 0.2, Z: 0.3},
				Tvec: r3.Vector{X: 0.01, Y: 0.02, Z: 0.5},
			},
			PoseError:      0.05,
			Confidence:     0.8,
			CameraAngleDeg: 12,
			Source:         markers.SourceOpenCVPnP,
		},
		{
			ID:         4,
			Corners:    [4]markers.Point{{X: 0, Y: 0}, {X: 1, Y: 0}, {X: 1, Y: 1}, {X: 0, Y: 1}},
			Confidence: 0.4,
			Source:     markers.SourcePOSIT,
		},
	}
	if diff := cmp.Diff(want, f.Observations, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("observations mismatch (-want +got):\n%s", diff)
	}
}

func TestParseFrame_NoTimestamp(t *testing.T) {
	t.Parallel()

	f, err := ParseFrame([]byte(`{"markers":[]}`))
	require.NoError(t, err)
	assert.True(t, f.At.IsZero())
	assert.Empty(t, f.Observations)
}

func TestParseFrame_Malformed(t *testing.T) {
	t.Parallel()

	corners := `"corners":[[0,0],[1,0],[1,1],[0,1]]`
	tests := []struct {
		name  string
		input string
	}{
		{"not json", `{"markers":`},
		{"three corners", `{"markers":[{"id":1,"corners":[[0,0],[1,0],[1,1]],"confidence":0.5}]}`},
		{"confidence above one", `{"markers":[{"id":1,` + corners + `,"confidence":1.5}]}`},
		{"negative confidence", `{"markers":[{"id":1,` + corners + `,"confidence":-0.1}]}`},
		{"negative id", `{"markers":[{"id":-2,` + corners + `,"confidence":0.5}]}`},
		{"negative pose error", `{"markers":[{"id":1,` + corners + `,"confidence":0.5,"pose_error":-1}]}`},
		{"unknown source", `{"markers":[{"id":1,` + corners + `,"confidence":0.5,"source":"aruco"}]}`},
		{"rvec without tvec", `{"markers":[{"id":1,` + corners + `,"confidence":0.5,"rvec":[0,0,0]}]}`},
		{"short tvec", `{"markers":[{"id":1,` + corners + `,"confidence":0.5,"rvec":[0,0,0],"tvec":[0,0]}]}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseFrame([]byte(tt.input))
			assert.ErrorIs(t, err, ErrMalformedFrame)
		})
	}
}

func TestEncodeFrame(t *testing.T) {
	t.Parallel()

	in, err := ParseFrame([]byte(sampleFrame))
	require.NoError(t, err)

	raw, err := EncodeFrame(in)
	require.NoError(t, err)
	out, err := ParseFrame(raw)
	require.NoError(t, err)

	assert.True(t, in.At.Equal(out.At))
	if diff := cmp.Diff(in.Observations, out.Observations); diff != "" {
		t.Errorf("re-encoded frame differs (-in +out):\n%s", diff)
	}
}
