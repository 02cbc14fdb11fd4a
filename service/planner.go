package service

import (
	"fmt"
	"hash/fnv"
	"path"
	"sort"
	"strings"

	"LumiCreate-server/models"
)

// 合成规划器：把项目当前的段落、选中资产和合成配置折叠成一份
// 自包含的渲染计划。计划内只有相对 WorkDir 的路径和毫秒时间，
// 渲染器（ffmpeg）不再需要查库。

// Ken Burns 运镜模式
const (
	KenBurnsZoomIn   = "zoom_in"
	KenBurnsZoomOut  = "zoom_out"
	KenBurnsPanLeft  = "pan_left"
	KenBurnsPanRight = "pan_right"
)

type KenBurns struct {
	Mode      string  `json:"mode"`
	ZoomStart float64 `json:"zoom_start"`
	ZoomEnd   float64 `json:"zoom_end"`
}

// SceneClip 段落内一个场景的静态图片片段
type SceneClip struct {
	ImagePath  string   `json:"image_path"` // 相对 WorkDir
	DurationMs int      `json:"duration_ms"`
	KenBurns   KenBurns `json:"ken_burns"`
}

// PlannedSegment 渲染计划中的一个段落
type PlannedSegment struct {
	SegmentID  string      `json:"segment_id"`
	Index      int         `json:"index"`
	Scenes     []SceneClip `json:"scenes"`
	AudioPath  string      `json:"audio_path"` // 相对 WorkDir；理论上必有
	DurationMs int         `json:"duration_ms"`
	Cues       []Cue       `json:"cues"` // 段内相对时间
}

// SubtitlePlan 整片字幕轨
type SubtitlePlan struct {
	Enabled     bool   `json:"enabled"`
	Burn        bool   `json:"burn"`
	Format      string `json:"format"` // srt | ass
	Cues        []Cue  `json:"cues"`   // 整片全局时间
	SidecarName string `json:"sidecar_name,omitempty"`
}

// RenderPlan 一次合成所需的全部信息
type RenderPlan struct {
	ProjectID    string           `json:"project_id"`
	WorkDir      string           `json:"work_dir"`
	Segments     []PlannedSegment `json:"segments"`
	Subtitle     SubtitlePlan     `json:"subtitle"`
	OutputName   string           `json:"output_name"`
	Width        int              `json:"width"`
	Height       int              `json:"height"`
	FrameRate    int              `json:"frame_rate"`
	TransitionMs int              `json:"transition_ms"`
	FontSize     int              `json:"font_size"`
	MarginBottom int              `json:"margin_bottom"`
	FontFile     string           `json:"font_file,omitempty"`
}

// TotalDurationMs 整片时长（段落时长 + 段间转场）
func (p *RenderPlan) TotalDurationMs() int {
	total := 0
	for i, seg := range p.Segments {
		total += seg.DurationMs
		if i < len(p.Segments)-1 {
			total += p.TransitionMs
		}
	}
	return total
}

// relativeAssetPath 资产路径统一为相对 WorkDir（即 storage root）。
// 历史数据里存过带 "storage/" 前缀的路径，这里剥掉而不是再拼一层，
// 否则拼出 storage/storage/... 的错误路径。
func relativeAssetPath(p string) string {
	p = strings.TrimPrefix(p, "./")
	p = strings.TrimPrefix(p, "storage/")
	return path.Clean(p)
}

// kenBurnsFor 由段落 id 和场景下标确定性地选一种运镜，
// 同一段落重复合成结果一致，相邻段落大概率不同。
func kenBurnsFor(segmentID string, sceneIndex int, intensity float64) KenBurns {
	h := fnv.New32a()
	h.Write([]byte(segmentID))
	fmt.Fprintf(h, "#%d", sceneIndex)
	modes := []string{KenBurnsZoomIn, KenBurnsZoomOut, KenBurnsPanLeft, KenBurnsPanRight}
	mode := modes[h.Sum32()%4]
	kb := KenBurns{Mode: mode, ZoomStart: 1.0, ZoomEnd: 1.0 + intensity}
	if mode == KenBurnsZoomOut {
		kb.ZoomStart, kb.ZoomEnd = kb.ZoomEnd, kb.ZoomStart
	}
	return kb
}

// BuildPlan 纯函数：输入项目配置、段落（按 order_index 有序）与资产索引，
// 输出渲染计划。任何段落缺图或缺音频时整体拒绝，
// 返回列出全部不合格段落的 CompositionPreconditionError。
func BuildPlan(projectID string, cfg models.ComposerConfig, segments []models.Segment, assets map[string]*models.Asset, workDir, outputName string) (*RenderPlan, error) {
	cfg = cfg.Normalized()

	var notReady []string
	for i := range segments {
		seg := &segments[i]
		if !seg.HasAllImages() || !seg.HasAudio() {
			notReady = append(notReady, seg.ID)
			continue
		}
		// 选中的资产必须真实存在于索引中
		for _, id := range seg.SelectedSceneAssets() {
			if assets[id] == nil {
				notReady = append(notReady, seg.ID)
				break
			}
		}
		if assets[seg.AudioAssetId] == nil && !contains(notReady, seg.ID) {
			notReady = append(notReady, seg.ID)
		}
	}
	if len(notReady) > 0 {
		sort.Strings(notReady)
		return nil, &CompositionPreconditionError{SegmentIDs: notReady}
	}
	if len(segments) == 0 {
		return nil, &CompositionPreconditionError{SegmentIDs: nil}
	}

	width, height := cfg.OutputSize()
	if outputName == "" {
		outputName = "final.mp4"
	}

	plan := &RenderPlan{
		ProjectID:    projectID,
		WorkDir:      workDir,
		OutputName:   outputName,
		Width:        width,
		Height:       height,
		FrameRate:    cfg.FrameRate,
		TransitionMs: cfg.TransitionDurationMs,
		FontSize:     cfg.SubtitleFontSize,
		MarginBottom: cfg.SubtitleMarginBottom,
		FontFile:     cfg.FontFile,
	}

	var perSegmentCues [][]Cue
	var segmentDurations []int
	for i := range segments {
		seg := &segments[i]
		audio := assets[seg.AudioAssetId]
		audioMs := audio.DurationMs
		if audioMs <= 0 {
			audioMs = seg.DurationMs
		}
		durationMs := SegmentDurationMs(audioMs, cfg)

		// 字幕唯一来源是段落的旁白文本，与配音文本天然一致
		cues := AllocateCues(SplitSentences(seg.NarrationText), durationMs, cfg)

		sceneIDs := seg.SelectedSceneAssets()
		sceneDurations := exactShares(onesOf(len(sceneIDs)), durationMs)
		scenes := make([]SceneClip, len(sceneIDs))
		for j, assetID := range sceneIDs {
			kb := KenBurns{}
			if cfg.KenBurnsEnabled {
				kb = kenBurnsFor(seg.ID, j, cfg.KenBurnsIntensity)
			}
			scenes[j] = SceneClip{
				ImagePath:  relativeAssetPath(assets[assetID].FilePath),
				DurationMs: sceneDurations[j],
				KenBurns:   kb,
			}
		}

		plan.Segments = append(plan.Segments, PlannedSegment{
			SegmentID:  seg.ID,
			Index:      i,
			Scenes:     scenes,
			AudioPath:  relativeAssetPath(audio.FilePath),
			DurationMs: durationMs,
			Cues:       cues,
		})
		perSegmentCues = append(perSegmentCues, cues)
		segmentDurations = append(segmentDurations, durationMs)
	}

	if cfg.SubtitleEnabled {
		plan.Subtitle = SubtitlePlan{
			Enabled: true,
			Burn:    cfg.BurnSubtitle,
			Format:  cfg.SubtitleFormat,
			Cues:    ConcatCueTracks(perSegmentCues, segmentDurations, cfg.TransitionDurationMs),
		}
		if !cfg.BurnSubtitle {
			ext := cfg.SubtitleFormat
			base := strings.TrimSuffix(outputName, path.Ext(outputName))
			plan.Subtitle.SidecarName = base + "." + ext
		}
	}
	return plan, nil
}

func onesOf(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = 1
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// ---- 字幕文件渲染 ----

func srtTimestamp(ms int) string {
	h := ms / 3600000
	m := ms % 3600000 / 60000
	s := ms % 60000 / 1000
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, ms%1000)
}

func assTimestamp(ms int) string {
	h := ms / 3600000
	m := ms % 3600000 / 60000
	s := ms % 60000 / 1000
	cs := ms % 1000 / 10
	return fmt.Sprintf("%d:%02d:%02d.%02d", h, m, s, cs)
}

// RenderSRT 生成 SRT 字幕文本（多行 cue 用换行分隔）
func RenderSRT(cues []Cue) string {
	var b strings.Builder
	for i, c := range cues {
		lines := c.Lines
		if len(lines) == 0 {
			lines = []string{c.Text}
		}
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n",
			i+1, srtTimestamp(c.StartMs), srtTimestamp(c.EndMs), strings.Join(lines, "\n"))
	}
	return b.String()
}

// RenderASS 生成 ASS 字幕文本。样式参数来自合成配置，
// 多行 cue 用 \N 分隔。
func RenderASS(cues []Cue, width, height, fontSize, marginBottom int) string {
	var b strings.Builder
	b.WriteString("[Script Info]\n")
	b.WriteString("ScriptType: v4.00+\n")
	fmt.Fprintf(&b, "PlayResX: %d\nPlayResY: %d\n\n", width, height)
	b.WriteString("[V4+ Styles]\n")
	b.WriteString("Format: Name, Fontname, Fontsize, PrimaryColour, OutlineColour, BackColour, Bold, Outline, Shadow, Alignment, MarginL, MarginR, MarginV\n")
	fmt.Fprintf(&b, "Style: Default,Noto Sans CJK SC,%d,&H00FFFFFF,&H00000000,&H80000000,0,2,1,2,40,40,%d\n\n", fontSize, marginBottom)
	b.WriteString("[Events]\n")
	b.WriteString("Format: Layer, Start, End, Style, Name, MarginL, MarginR, MarginV, Effect, Text\n")
	for _, c := range cues {
		lines := c.Lines
		if len(lines) == 0 {
			lines = []string{c.Text}
		}
		text := strings.Join(lines, "\\N")
		fmt.Fprintf(&b, "Dialogue: 0,%s,%s,Default,,0,0,0,,%s\n",
			assTimestamp(c.StartMs), assTimestamp(c.EndMs), text)
	}
	return b.String()
}
