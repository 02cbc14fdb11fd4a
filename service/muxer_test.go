package service

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZoompanExpr(t *testing.T) {
	zoomIn := KenBurns{Mode: KenBurnsZoomIn, ZoomStart: 1.0, ZoomEnd: 1.08}
	z, x, y := zoompanExpr(zoomIn, 180)
	assert.Equal(t, "1.000+0.080*on/180", z)
	assert.Equal(t, "iw/2-(iw/zoom/2)", x)
	assert.Equal(t, "ih/2-(ih/zoom/2)", y)

	zoomOut := KenBurns{Mode: KenBurnsZoomOut, ZoomStart: 1.08, ZoomEnd: 1.0}
	z, _, _ = zoompanExpr(zoomOut, 180)
	assert.Equal(t, "1.080-0.080*on/180", z)

	panRight := KenBurns{Mode: KenBurnsPanRight, ZoomStart: 1.0, ZoomEnd: 1.08}
	_, x, _ = zoompanExpr(panRight, 180)
	assert.Contains(t, x, "+0.080*iw/3*on/180")

	panLeft := KenBurns{Mode: KenBurnsPanLeft, ZoomStart: 1.0, ZoomEnd: 1.08}
	_, x, _ = zoompanExpr(panLeft, 180)
	assert.Contains(t, x, "-0.080*iw/3*on/180")
}

func TestEscapeFilterPath(t *testing.T) {
	assert.Equal(t, "subtitle_0001.ass", escapeFilterPath("subtitle_0001.ass"))
	assert.Equal(t, "C\\:/temp/a.ass", escapeFilterPath(`C:\temp\a.ass`))
}

func TestMuxPreflightMissingImage(t *testing.T) {
	workDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, "audio"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "audio", "a.mp3"), []byte("x"), 0644))

	plan := &RenderPlan{
		ProjectID: "p1",
		WorkDir:   workDir,
		Segments: []PlannedSegment{{
			SegmentID:  "seg-a",
			Scenes:     []SceneClip{{ImagePath: "images/missing.png", DurationMs: 3000}},
			AudioPath:  "audio/a.mp3",
			DurationMs: 3000,
		}},
	}

	m := NewFFmpegMuxer("")
	_, err := m.Mux(context.Background(), plan)
	var nf *MediaNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "seg-a", nf.SegmentID)
	assert.Equal(t, "images/missing.png", nf.Path)
}

func TestMuxPreflightMissingAudio(t *testing.T) {
	workDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, "images"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "images", "s.png"), []byte("x"), 0644))

	plan := &RenderPlan{
		ProjectID: "p1",
		WorkDir:   workDir,
		Segments: []PlannedSegment{{
			SegmentID:  "seg-a",
			Scenes:     []SceneClip{{ImagePath: "images/s.png", DurationMs: 3000}},
			AudioPath:  "audio/missing.mp3",
			DurationMs: 3000,
		}},
	}

	_, err := NewFFmpegMuxer("").Mux(context.Background(), plan)
	var nf *MediaNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "audio/missing.mp3", nf.Path)
}
