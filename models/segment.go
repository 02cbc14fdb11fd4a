package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// 段落状态常量。由已选图片与音频推导，不接受客户端直写。
const (
	SegmentStatusPending    = "pending"     // 无图无音频
	SegmentStatusImageReady = "image_ready" // 所有场景已选图，无音频
	SegmentStatusAudioReady = "audio_ready" // 有音频，图片未选齐
	SegmentStatusComplete   = "complete"    // 图片+音频齐备
)

// Segment 视频的一个叙事单元。NarrationText 是配音与字幕的唯一文本来源，
// 二者必须一致才能保证音画同步。
type Segment struct {
	ID                   string          `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectId            string          `json:"projectId"`
	OrderIndex           int             `json:"orderIndex"`
	Title                string          `json:"title"`
	NarrationText        string          `json:"narrationText"`
	VisualPrompts        StringList      `gorm:"type:json" json:"visualPrompts"`
	OnScreenText         string          `json:"onScreenText"`
	Mood                 string          `json:"mood"`
	ShotType             string          `json:"shotType"`
	Status               string          `json:"status"`
	SelectedImageAssetId string          `json:"selectedImageAssetId"`
	SceneSelections      SceneSelections `gorm:"type:json" json:"sceneSelections"`
	AudioAssetId         string          `json:"audioAssetId"`
	DurationMs           int             `json:"durationMs"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

func (Segment) TableName() string {
	return "segment"
}

// StringList JSON 数组列（多场景提示词）
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		l = StringList{}
	}
	return json.Marshal(l)
}

func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, l)
}

// SceneSelections 场景下标 -> 选中图片资产 id。
// 键用字符串是为了与 JSON 对象兼容。
type SceneSelections map[string]string

func (s SceneSelections) Value() (driver.Value, error) {
	if s == nil {
		s = SceneSelections{}
	}
	return json.Marshal(s)
}

func (s *SceneSelections) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, s)
}

// SceneCount 统一把视觉素材当作有序场景列表，单场景时长度为 1
func (s *Segment) SceneCount() int {
	if len(s.VisualPrompts) == 0 {
		return 1
	}
	return len(s.VisualPrompts)
}

// ScenePrompt 返回第 i 个场景的提示词（单场景时即整段唯一提示词）
func (s *Segment) ScenePrompt(i int) string {
	if len(s.VisualPrompts) == 0 {
		return ""
	}
	if i < 0 || i >= len(s.VisualPrompts) {
		return ""
	}
	return s.VisualPrompts[i]
}

// SelectedSceneAssets 按场景顺序返回选中的图片资产 id，未选中的位置为空串。
// 单场景段落兼容旧的 selected_image_asset_id 指针。
func (s *Segment) SelectedSceneAssets() []string {
	n := s.SceneCount()
	out := make([]string, n)
	for i := 0; i < n; i++ {
		if id, ok := s.SceneSelections[fmt.Sprintf("%d", i)]; ok && id != "" {
			out[i] = id
		}
	}
	if out[0] == "" && s.SelectedImageAssetId != "" {
		out[0] = s.SelectedImageAssetId
	}
	return out
}

// HasAllImages 每个场景都已有选中图片
func (s *Segment) HasAllImages() bool {
	for _, id := range s.SelectedSceneAssets() {
		if id == "" {
			return false
		}
	}
	return true
}

func (s *Segment) HasAudio() bool {
	return s.AudioAssetId != ""
}
