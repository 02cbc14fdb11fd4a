package service

import (
	"strings"
	"testing"

	"LumiCreate-server/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func planSegment(id string, order int, audioID string, sceneIDs ...string) models.Segment {
	seg := models.Segment{
		ID:            id,
		ProjectId:     "p1",
		OrderIndex:    order,
		NarrationText: "天下大势，分久必合，合久必分。此乃千古不变之理。",
		AudioAssetId:  audioID,
	}
	if len(sceneIDs) > 1 {
		prompts := make(models.StringList, len(sceneIDs))
		for i := range sceneIDs {
			prompts[i] = "场景提示"
		}
		seg.VisualPrompts = prompts
	}
	seg.SceneSelections = models.SceneSelections{}
	for i, sid := range sceneIDs {
		seg.SceneSelections[itoa(i)] = sid
	}
	return seg
}

func itoa(i int) string {
	return string(rune('0' + i))
}

func planAssets(entries map[string]string, audioDur map[string]int) map[string]*models.Asset {
	out := map[string]*models.Asset{}
	for id, filePath := range entries {
		a := &models.Asset{ID: id, FilePath: filePath}
		if d, ok := audioDur[id]; ok {
			a.DurationMs = d
			a.Type = models.AssetTypeAudio
		} else {
			a.Type = models.AssetTypeImage
		}
		out[id] = a
	}
	return out
}

func TestBuildPlanPreconditionNamesSegments(t *testing.T) {
	cfg := models.ComposerConfig{SubtitleEnabled: true}
	segments := []models.Segment{
		planSegment("seg-b", 0, "aud-b", "img-b"),
		planSegment("seg-a", 1, "", "img-a"), // 缺音频
		{ID: "seg-c", ProjectId: "p1", OrderIndex: 2, NarrationText: "旁白", AudioAssetId: "aud-c"}, // 缺图
	}
	assets := planAssets(map[string]string{
		"img-a": "images/p1/seg-a/scene0_v1_c0.png",
		"img-b": "images/p1/seg-b/scene0_v1_c0.png",
		"aud-b": "audio/p1/seg-b/narration_v1.mp3",
		"aud-c": "audio/p1/seg-c/narration_v1.mp3",
	}, map[string]int{"aud-b": 6000, "aud-c": 6000})

	_, err := BuildPlan("p1", cfg, segments, assets, "storage", "")
	var pre *CompositionPreconditionError
	require.ErrorAs(t, err, &pre)
	// 不合格段落全部列出，排序后稳定
	assert.Equal(t, []string{"seg-a", "seg-c"}, pre.SegmentIDs)
}

func TestBuildPlanMissingAssetRecord(t *testing.T) {
	cfg := models.ComposerConfig{}
	segments := []models.Segment{planSegment("seg-a", 0, "aud-a", "img-a")}
	// 选中指针存在但资产索引里查不到
	assets := planAssets(map[string]string{
		"aud-a": "audio/p1/seg-a/narration_v1.mp3",
	}, map[string]int{"aud-a": 6000})

	_, err := BuildPlan("p1", cfg, segments, assets, "storage", "")
	var pre *CompositionPreconditionError
	require.ErrorAs(t, err, &pre)
	assert.Equal(t, []string{"seg-a"}, pre.SegmentIDs)
}

func TestBuildPlanPathsAndDurations(t *testing.T) {
	cfg := models.ComposerConfig{SubtitleEnabled: true, KenBurnsEnabled: true}
	segments := []models.Segment{
		planSegment("seg-a", 0, "aud-a", "img-a1", "img-a2"),
		planSegment("seg-b", 1, "aud-b", "img-b"),
	}
	assets := planAssets(map[string]string{
		// 历史数据里带 storage/ 前缀的路径要被剥掉而不是再拼一层
		"img-a1": "storage/images/p1/seg-a/scene0_v1_c0.png",
		"img-a2": "images/p1/seg-a/scene1_v1_c0.png",
		"img-b":  "./images/p1/seg-b/scene0_v1_c0.png",
		"aud-a":  "storage/audio/p1/seg-a/narration_v1.mp3",
		"aud-b":  "audio/p1/seg-b/narration_v1.mp3",
	}, map[string]int{"aud-a": 6000, "aud-b": 2000})

	plan, err := BuildPlan("p1", cfg, segments, assets, "storage", "")
	require.NoError(t, err)
	require.Len(t, plan.Segments, 2)

	segA := plan.Segments[0]
	assert.Equal(t, "images/p1/seg-a/scene0_v1_c0.png", segA.Scenes[0].ImagePath)
	assert.Equal(t, "images/p1/seg-a/scene1_v1_c0.png", segA.Scenes[1].ImagePath)
	assert.Equal(t, "audio/p1/seg-a/narration_v1.mp3", segA.AudioPath)
	for _, sc := range segA.Scenes {
		assert.False(t, strings.HasPrefix(sc.ImagePath, "storage/"))
	}

	// 段落时长 = 音频 + padding，场景时长之和等于段落时长
	assert.Equal(t, 6300, segA.DurationMs)
	assert.Equal(t, segA.DurationMs, segA.Scenes[0].DurationMs+segA.Scenes[1].DurationMs)

	// 短音频被最小段落时长兜底
	assert.Equal(t, 2300, plan.Segments[1].DurationMs)

	assert.Equal(t, "final.mp4", plan.OutputName)
	assert.Equal(t, 1920, plan.Width)
	assert.Equal(t, 1080, plan.Height)
	assert.Equal(t, 8600, plan.TotalDurationMs())
}

func TestBuildPlanKenBurnsDeterministic(t *testing.T) {
	valid := map[string]bool{
		KenBurnsZoomIn: true, KenBurnsZoomOut: true,
		KenBurnsPanLeft: true, KenBurnsPanRight: true,
	}
	first := kenBurnsFor("seg-abc", 0, 0.08)
	assert.True(t, valid[first.Mode])
	// 同一输入永远同一结果
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, kenBurnsFor("seg-abc", 0, 0.08))
	}
	// zoom_out 是 zoom_in 的反向
	if first.Mode == KenBurnsZoomOut {
		assert.Greater(t, first.ZoomStart, first.ZoomEnd)
	} else {
		assert.LessOrEqual(t, first.ZoomStart, first.ZoomEnd)
	}
}

func TestBuildPlanSubtitleTrack(t *testing.T) {
	cfg := models.ComposerConfig{SubtitleEnabled: true}
	segments := []models.Segment{
		planSegment("seg-a", 0, "aud-a", "img-a"),
		planSegment("seg-b", 1, "aud-b", "img-b"),
	}
	assets := planAssets(map[string]string{
		"img-a": "images/a.png", "img-b": "images/b.png",
		"aud-a": "audio/a.mp3", "aud-b": "audio/b.mp3",
	}, map[string]int{"aud-a": 6000, "aud-b": 6000})

	plan, err := BuildPlan("p1", cfg, segments, assets, "storage", "story.mp4")
	require.NoError(t, err)

	require.True(t, plan.Subtitle.Enabled)
	// 不烧录时带 sidecar 文件名
	assert.Equal(t, "story.srt", plan.Subtitle.SidecarName)

	// 全局轨第二段的 cue 从第一段时长之后开始
	var segACues, segBCues int
	segACues = len(plan.Segments[0].Cues)
	segBCues = len(plan.Segments[1].Cues)
	require.Equal(t, segACues+segBCues, len(plan.Subtitle.Cues))
	assert.Equal(t, plan.Segments[0].DurationMs, plan.Subtitle.Cues[segACues].StartMs)

	// 烧录时不生成 sidecar
	cfg.BurnSubtitle = true
	plan, err = BuildPlan("p1", cfg, segments, assets, "storage", "story.mp4")
	require.NoError(t, err)
	assert.True(t, plan.Subtitle.Burn)
	assert.Empty(t, plan.Subtitle.SidecarName)
}

func TestRenderSRT(t *testing.T) {
	cues := []Cue{
		{Text: "第一句", StartMs: 0, EndMs: 1500},
		{Text: "第二句折行", Lines: []string{"第二句", "折行"}, StartMs: 1500, EndMs: 63512},
	}
	out := RenderSRT(cues)
	assert.Contains(t, out, "1\n00:00:00,000 --> 00:00:01,500\n第一句\n")
	assert.Contains(t, out, "2\n00:00:01,500 --> 00:01:03,512\n第二句\n折行\n")
}

func TestRenderASS(t *testing.T) {
	cues := []Cue{
		{Text: "第一句", StartMs: 0, EndMs: 1500},
		{Text: "折行", Lines: []string{"上半", "下半"}, StartMs: 1500, EndMs: 3750},
	}
	out := RenderASS(cues, 1080, 1920, 40, 80)
	assert.Contains(t, out, "PlayResX: 1080")
	assert.Contains(t, out, "PlayResY: 1920")
	assert.Contains(t, out, "Noto Sans CJK SC,40")
	assert.Contains(t, out, "Dialogue: 0,0:00:00.00,0:00:01.50,Default,,0,0,0,,第一句")
	assert.Contains(t, out, "Dialogue: 0,0:00:01.50,0:00:03.75,Default,,0,0,0,,上半\\N下半")
}
