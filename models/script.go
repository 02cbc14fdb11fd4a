package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Script 一次文案生成/解析的结果。解析产出段落后即视为不可变，
// 重新解析会替换项目段落并递增 version。
type Script struct {
	ID        string       `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProjectId string       `json:"projectId"`
	RawText   string       `json:"rawText"`
	Parsed    ParsedScript `gorm:"type:json" json:"parsed"`
	WordCount int          `json:"wordCount"`
	Version   int          `json:"version"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

func (Script) TableName() string {
	return "script"
}

// ParsedScript 结构化解析结果
type ParsedScript struct {
	Title  string         `json:"title,omitempty"`
	Hook   string         `json:"hook,omitempty"`
	Drafts []SegmentDraft `json:"drafts,omitempty"`
}

// SegmentDraft 解析出的段落草稿，后续据此创建 Segment
type SegmentDraft struct {
	Title         string   `json:"segment_title,omitempty"`
	NarrationText string   `json:"narration_text"`
	VisualPrompts []string `json:"visual_prompts,omitempty"`
	OnScreenText  string   `json:"on_screen_text,omitempty"`
	Mood          string   `json:"mood,omitempty"`
	ShotType      string   `json:"shot_type,omitempty"`
}

func (p ParsedScript) Value() (driver.Value, error) {
	return json.Marshal(p)
}

func (p *ParsedScript) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New(fmt.Sprint("Failed to unmarshal JSON value:", value))
	}
	return json.Unmarshal(bytes, p)
}
