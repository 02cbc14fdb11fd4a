package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// 任务状态。queued -> running -> {succeeded|failed|canceled}，
// failed 可经显式 retry 回到 queued（同一任务 id，历史保留）。
const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
	JobStatusCanceled  = "canceled"
)

// 任务类型
const (
	JobTypeScriptGen    = "script_generation"
	JobTypeScriptParse  = "script_parse"
	JobTypeImageGen     = "image_generation"
	JobTypeAudioGen     = "audio_generation"
	JobTypeVideoCompose = "video_composition"
	JobTypeAIFill       = "ai_config_fill"
)

func IsTerminalJobStatus(status string) bool {
	switch status {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCanceled:
		return true
	}
	return false
}

type Job struct {
	ID         string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectId  string     `json:"projectId"`
	SegmentId  string     `json:"segmentId,omitempty"`
	Type       string     `json:"type"`
	Status     string     `json:"status"`
	Progress   int        `json:"progress"`
	Error      string     `json:"error,omitempty"`
	Params     JobParams  `gorm:"type:json" json:"params"`
	Result     JobResult  `gorm:"type:json" json:"result"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

func (Job) TableName() string {
	return "job"
}

// JobParams 入队后不可变；retry 只清空进度与错误，不改参数
type JobParams struct {
	Script  *ScriptGenParams   `json:"script,omitempty"`
	Parse   *ScriptParseParams `json:"parse,omitempty"`
	Image   *ImageGenParams    `json:"image,omitempty"`
	Audio   *AudioGenParams    `json:"audio,omitempty"`
	Compose *ComposeParams     `json:"compose,omitempty"`
	AIFill  *AIFillParams      `json:"ai_fill,omitempty"`
}

type ScriptGenParams struct {
	Topic       string `json:"topic"`
	Style       string `json:"style,omitempty"`
	TargetWords int    `json:"target_words,omitempty"`
	Streaming   bool   `json:"streaming,omitempty"`
}

type ScriptParseParams struct {
	ScriptId string `json:"script_id"`
}

type ImageGenParams struct {
	Prompt     string `json:"prompt"`
	SceneIndex int    `json:"scene_index"`
	Count      int    `json:"count,omitempty"`
	Seed       int64  `json:"seed,omitempty"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	Engine     string `json:"engine,omitempty"`
	Style      string `json:"style,omitempty"`
}

type AudioGenParams struct {
	Text       string  `json:"text"`
	Voice      string  `json:"voice,omitempty"`
	Lang       string  `json:"lang,omitempty"`
	SampleRate int     `json:"sample_rate,omitempty"`
	Format     string  `json:"format,omitempty"`
	Speed      float64 `json:"speed,omitempty"`
}

type ComposeParams struct {
	OutputName string `json:"output_name,omitempty"`
}

type AIFillParams struct {
	Description string `json:"description"`
}

// JobResult 对调用方不透明的结果载荷
type JobResult struct {
	OutputPath      string   `json:"output_path,omitempty"`
	AssetIds        []string `json:"asset_ids,omitempty"`
	VideoAssetId    string   `json:"video_asset_id,omitempty"`
	SubtitleAssetId string   `json:"subtitle_asset_id,omitempty"`
	ScriptId        string   `json:"script_id,omitempty"`
	SegmentCount    int      `json:"segment_count,omitempty"`
	DurationMs      int      `json:"duration_ms,omitempty"`
	ResourceUrl     string   `json:"resource_url,omitempty"`
}

func (p JobParams) Value() (driver.Value, error) {
	return json.Marshal(p)
}

func (p *JobParams) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, p)
}

func (r JobResult) Value() (driver.Value, error) {
	return json.Marshal(r)
}

func (r *JobResult) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, r)
}
