package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	AssetTypeImage    = "image"
	AssetTypeAudio    = "audio"
	AssetTypeVideo    = "video"
	AssetTypeSubtitle = "subtitle"
	AssetTypeOther    = "other"
)

// Asset 生成产物。创建后不可变：重新生成会以递增的 version 新建一条，
// 旧候选保留可追溯。是否被选用由 Segment 上的指针决定，不在资产上标记。
type Asset struct {
	ID         string        `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectId  string        `json:"projectId"`
	SegmentId  string        `json:"segmentId,omitempty"`
	Type       string        `json:"type"`
	FilePath   string        `json:"filePath"` // 相对 storage root
	FileName   string        `json:"fileName"`
	Size       int64         `json:"size"`
	Metadata   AssetMetadata `gorm:"type:json" json:"metadata"`
	DurationMs int           `json:"durationMs,omitempty"` // 音频/视频
	Version    int           `json:"version"`
	CreatedAt  time.Time     `json:"createdAt"`
}

func (Asset) TableName() string {
	return "asset"
}

// AssetMetadata 生成参数留痕，用于候选分组与复现
type AssetMetadata struct {
	Engine         string `json:"engine,omitempty"`
	Seed           int64  `json:"seed,omitempty"`
	Prompt         string `json:"prompt,omitempty"`
	SceneIndex     *int   `json:"scene_index,omitempty"`
	CandidateIndex int    `json:"candidate_index,omitempty"`
	Width          int    `json:"width,omitempty"`
	Height         int    `json:"height,omitempty"`
	Voice          string `json:"voice,omitempty"`
	SegmentCount   int    `json:"segment_count,omitempty"`
}

func (m AssetMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (m *AssetMetadata) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, m)
}
