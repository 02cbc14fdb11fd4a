package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// 项目状态常量。除 exported 外全部由段落/资产状态推导得出，
// 客户端不能直接设置（见 service/status.go）。
const (
	ProjectStatusDraft       = "draft"        // 尚未解析出任何段落
	ProjectStatusScriptReady = "script_ready" // 段落已存在，图片未齐
	ProjectStatusImagesReady = "images_ready" // 所有段落已选图，音频未齐
	ProjectStatusAudioReady  = "audio_ready"  // 所有段落有音频，图片未齐
	ProjectStatusComposable  = "composable"   // 每个段落图片+音频齐备，可合成
	ProjectStatusExported    = "exported"     // 视频合成任务成功后由任务执行器设置
)

type Project struct {
	ID        string        `gorm:"primaryKey;type:varchar(64)" json:"id"`
	Name      string        `json:"name"`
	Status    string        `json:"status"`
	Config    ProjectConfig `gorm:"type:json" json:"config"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

func (Project) TableName() string {
	return "project"
}

// ProjectConfig 各生成阶段的嵌套配置，整体以 JSON 列存储
type ProjectConfig struct {
	Script    ScriptConfig    `json:"script"`
	Segmenter SegmenterConfig `json:"segmenter"`
	Image     ImageConfig     `json:"image"`
	TTS       TTSConfig       `json:"tts"`
	Composer  ComposerConfig  `json:"composer"`
}

type ScriptConfig struct {
	Topic       string `json:"topic"`
	Style       string `json:"style"`
	TargetWords int    `json:"target_words"`
	Streaming   bool   `json:"streaming"`
}

type SegmenterConfig struct {
	MinSegmentLength int `json:"min_segment_length"`
	MaxSegmentLength int `json:"max_segment_length"`
}

type ImageConfig struct {
	Engine         string `json:"engine"` // pollinations | comfyui
	Style          string `json:"style"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	CandidateCount int    `json:"candidate_count"`
}

type TTSConfig struct {
	Voice      string  `json:"voice"`
	Lang       string  `json:"lang"`
	SampleRate int     `json:"sample_rate"`
	Format     string  `json:"format"`
	Speed      float64 `json:"speed"`
}

type ComposerConfig struct {
	SegmentPaddingMs     int     `json:"segment_padding_ms"`
	MinSegmentDurationMs int     `json:"min_segment_duration_ms"`
	FallbackCharsPerSec  float64 `json:"fallback_chars_per_second"`
	MinCueDurationMs     int     `json:"min_cue_duration_ms"`
	MaxCharsPerLine      int     `json:"max_chars_per_line"`
	FrameRate            int     `json:"frame_rate"`
	Portrait             bool    `json:"is_portrait"`
	Resolution           string  `json:"resolution"` // 横屏时 1080p / 720p
	KenBurnsEnabled      bool    `json:"kenburns_enabled"`
	KenBurnsIntensity    float64 `json:"kenburns_intensity"`
	TransitionDurationMs int     `json:"transition_duration_ms"`
	SubtitleEnabled      bool    `json:"subtitle_enabled"`
	BurnSubtitle         bool    `json:"burn_subtitle"`
	SubtitleFormat       string  `json:"subtitle_format"` // srt | ass
	SubtitleFontSize     int     `json:"subtitle_font_size"`
	SubtitleMarginBottom int     `json:"subtitle_margin_bottom"`
	FontFile             string  `json:"font_file"`
}

// Normalized 补全合成配置的默认值
func (c ComposerConfig) Normalized() ComposerConfig {
	if c.SegmentPaddingMs <= 0 {
		c.SegmentPaddingMs = 300
	}
	if c.MinSegmentDurationMs <= 0 {
		c.MinSegmentDurationMs = 1500
	}
	if c.FallbackCharsPerSec <= 0 {
		c.FallbackCharsPerSec = 4.5
	}
	if c.MinCueDurationMs <= 0 {
		c.MinCueDurationMs = 500
	}
	if c.MaxCharsPerLine <= 0 {
		if c.Portrait {
			c.MaxCharsPerLine = 18
		} else {
			c.MaxCharsPerLine = 28
		}
	}
	if c.FrameRate <= 0 {
		c.FrameRate = 30
	}
	if c.KenBurnsIntensity <= 0 {
		c.KenBurnsIntensity = 0.08
	}
	if c.TransitionDurationMs < 0 {
		c.TransitionDurationMs = 0
	}
	if c.SubtitleFormat == "" {
		c.SubtitleFormat = "srt"
	}
	if c.SubtitleFontSize <= 0 {
		c.SubtitleFontSize = 40
	}
	if c.SubtitleMarginBottom <= 0 {
		c.SubtitleMarginBottom = 80
	}
	return c
}

// OutputSize 按竖屏/横屏配置返回输出分辨率
func (c ComposerConfig) OutputSize() (int, int) {
	if c.Portrait {
		return 1080, 1920
	}
	if c.Resolution == "720p" {
		return 1280, 720
	}
	return 1920, 1080
}

func (p ProjectConfig) Value() (driver.Value, error) {
	return json.Marshal(p)
}

func (p *ProjectConfig) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, p)
}
