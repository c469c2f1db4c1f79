package app

import (
	"context"
	"encoding/json"
	"image"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seclens/inferd/pkg/config"
	"github.com/seclens/inferd/pkg/detect"
	"github.com/seclens/inferd/pkg/filter"
	"github.com/seclens/inferd/pkg/logger"
	"github.com/seclens/inferd/pkg/metrics"
	"github.com/seclens/inferd/pkg/video"
	"github.com/seclens/inferd/pkg/worker"
)

type nopRunner struct{}

func (nopRunner) Infer(ctx context.Context, img image.Image) ([]detect.RawBox, error) {
	return nil, nil
}

type nopOCR struct{}

func (nopOCR) Recognize(ctx context.Context, img image.Image) (detect.OCRResult, error) {
	return detect.OCRResult{}, nil
}

type nopDecoder struct{}

func (nopDecoder) Decode(ctx context.Context, fragment []byte) ([]video.Frame, error) {
	return nil, nil
}

func testDeps() Deps {
	return Deps{
		AWS: aws.Config{Region: "eu-west-1"},
		Runtimes: detect.Runtimes{
			Runner: func(model string) (detect.ModelRunner, error) { return nopRunner{}, nil },
			OCR:    func(engine, lang string) (detect.OCREngine, error) { return nopOCR{}, nil },
		},
		NewDecoder: func(cameraID string) video.Decoder { return nopDecoder{} },
	}
}

func testAppLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return logger.New(io.Discard, slog.LevelError, logger.FormatText)
}

const appYAML = `
publishers:
  stream:
    enabled: false
  snapshot:
    enabled: false
  record:
    enabled: false
cameras:
  cam-a:
    enabled: true
    stream_name: feed-a
    fps_target: 2
    roi:
      enabled: true
      polygons:
        - [[0, 0], [640, 0], [640, 480], [0, 480]]
      filter_mode: center
    detectors:
      - type: weapon
        model: weapons-v2
        labels: [knife]
      - type: alpr
        model: plates-v1
  cam-b:
    enabled: true
    stream_name: feed-b
    detectors:
      - type: fire_smoke
`

func loadAppConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(appYAML), 0644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func TestNewWiresWorkers(t *testing.T) {
	cfg := loadAppConfig(t)

	a, err := New(cfg, testDeps(), DefaultOptions("127.0.0.1:0"), testAppLogger(t))
	require.NoError(t, err)

	require.Len(t, a.workers, 2)
	assert.Contains(t, a.workers, "cam-a")
	assert.Contains(t, a.workers, "cam-b")

	// Disabled sinks stay nil
	assert.Nil(t, a.stream)
	assert.Nil(t, a.snapshot)
	assert.Nil(t, a.record)

	statuses := a.workerStatuses()
	require.Len(t, statuses, 2)
	assert.Equal(t, "cam-a", statuses[0].CameraID)
	assert.False(t, statuses[0].Alive, "not alive before Run")
}

func TestBuildMask(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		mask, err := buildMask(config.ROIConfig{Enabled: false})
		require.NoError(t, err)
		assert.Nil(t, mask)
	})

	t.Run("polygons converted", func(t *testing.T) {
		mask, err := buildMask(config.ROIConfig{
			Enabled:    true,
			Polygons:   [][][]float64{{{0, 0}, {10, 0}, {10, 10}}},
			FilterMode: "overlap",
			MinOverlap: 0.4,
		})
		require.NoError(t, err)
		require.Len(t, mask.Polygons, 1)
		assert.Equal(t, filter.Point{X: 10, Y: 0}, mask.Polygons[0][1])
		assert.Equal(t, filter.ModeOverlap, mask.Mode)
		assert.Equal(t, 0.4, mask.MinOverlap)
	})

	t.Run("bad mode", func(t *testing.T) {
		_, err := buildMask(config.ROIConfig{
			Enabled:    true,
			Polygons:   [][][]float64{{{0, 0}, {10, 0}, {10, 10}}},
			FilterMode: "corners",
		})
		assert.Error(t, err)
	})
}

func TestHealthzHandler(t *testing.T) {
	m := metrics.New()
	statuses := func() []worker.Status {
		return []worker.Status{{CameraID: "cam-a", Alive: true, State: "streaming"}}
	}
	gateStats := func() video.GateStats {
		return video.GateStats{Pending: 1, Executed: 7}
	}

	s := NewServer(m, statuses, gateStats, testAppLogger(t))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.handleHealthz(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "inferd", body.Service)
	assert.Equal(t, "ok", body.Status)
	require.Len(t, body.Cameras, 1)
	assert.True(t, body.Cameras[0].Alive)
	assert.Equal(t, int64(7), body.Gate.Executed)
	assert.Equal(t, 1, body.Gate.Pending)
}

func TestHealthzRejectsPost(t *testing.T) {
	s := NewServer(metrics.New(), nil, nil, testAppLogger(t))

	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.handleHealthz(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}
