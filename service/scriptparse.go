package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"LumiCreate-server/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// 文案解析：原始文案 -> 有序段落草稿。优先走 LLM 结构化解析，
// 失败时退化为按段落长度的规则切分，保证解析永远有结果。

const parseSystemPrompt = `你是短视频脚本拆分专家。把给定的文案拆成适合配图配音的段落，每段 30-80 字。
只输出 JSON，格式：
{"title":"标题","hook":"开头钩子","drafts":[{"segment_title":"段落标题","narration_text":"旁白文本","visual_prompts":["画面提示词1","画面提示词2"],"on_screen_text":"屏幕大字","mood":"情绪","shot_type":"镜头类型"}]}
narration_text 必须完整覆盖原文，不得增删内容。visual_prompts 每段 1-3 条。`

// extractJSON 从 LLM 输出里抠出第一个完整的 JSON 对象
// （模型偶尔会包一层 markdown 代码块或加说明文字）
func extractJSON(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.Index(text, "```json"); i >= 0 {
		text = text[i+7:]
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
		return strings.TrimSpace(text)
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}

// ParseScript LLM 结构化解析，失败时退回规则切分
func ParseScript(ctx context.Context, gen TextGenerator, rawText string, segCfg models.SegmenterConfig) (*models.ParsedScript, error) {
	if strings.TrimSpace(rawText) == "" {
		return nil, &ValidationError{Field: "raw_text", Reason: "empty script text"}
	}

	if gen != nil {
		output, err := gen.Generate(ctx, parseSystemPrompt, rawText)
		if err == nil {
			var parsed models.ParsedScript
			if jsonErr := json.Unmarshal([]byte(extractJSON(output)), &parsed); jsonErr == nil && len(parsed.Drafts) > 0 {
				return &parsed, nil
			}
		} else if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	drafts := SimpleSplit(rawText, segCfg.MinSegmentLength, segCfg.MaxSegmentLength)
	if len(drafts) == 0 {
		return nil, fmt.Errorf("文案切分结果为空")
	}
	return &models.ParsedScript{Drafts: drafts}, nil
}

// SimpleSplit 规则切分：句子顺序累积成段，长度落在 [min, max] 区间。
// 超长单句独立成段，不足 min 的尾巴并入上一段。
func SimpleSplit(text string, minLen, maxLen int) []models.SegmentDraft {
	if minLen <= 0 {
		minLen = 30
	}
	if maxLen <= minLen {
		maxLen = minLen + 50
	}

	sentences := SplitSentences(text)
	if len(sentences) == 0 {
		return nil
	}

	var drafts []models.SegmentDraft
	var current strings.Builder
	flush := func() {
		s := strings.TrimSpace(current.String())
		if s != "" {
			drafts = append(drafts, models.SegmentDraft{NarrationText: s})
		}
		current.Reset()
	}

	for _, sentence := range sentences {
		curLen := len([]rune(current.String()))
		sentLen := len([]rune(sentence))
		if curLen > 0 && curLen+sentLen > maxLen {
			flush()
		}
		current.WriteString(sentence)
		if len([]rune(current.String())) >= minLen {
			flush()
		}
	}
	// 不足 min 的尾巴并入上一段
	if tail := strings.TrimSpace(current.String()); tail != "" {
		if len(drafts) > 0 && len([]rune(tail)) < minLen {
			drafts[len(drafts)-1].NarrationText += tail
		} else {
			drafts = append(drafts, models.SegmentDraft{NarrationText: tail})
		}
	}
	return drafts
}

// ApplyParsedScript 用解析结果替换项目段落：旧段落（连同选图/音频指针）
// 整体废弃，新段落从 pending 开始，段落重建后项目状态同步重算。
// script 的版本号由 ReparseScript 落库时自增。
func ApplyParsedScript(db *gorm.DB, projectID string, parsed *models.ParsedScript) ([]models.Segment, error) {
	if err := models.DeleteSegmentsByProject(db, projectID); err != nil {
		return nil, fmt.Errorf("清理旧段落失败: %w", err)
	}

	now := time.Now()
	segments := make([]models.Segment, 0, len(parsed.Drafts))
	for i, draft := range parsed.Drafts {
		prompts := draft.VisualPrompts
		if len(prompts) == 0 {
			prompts = []string{draft.NarrationText}
		}
		segments = append(segments, models.Segment{
			ID:            uuid.NewString(),
			ProjectId:     projectID,
			OrderIndex:    i,
			Title:         draft.Title,
			NarrationText: draft.NarrationText,
			VisualPrompts: prompts,
			OnScreenText:  draft.OnScreenText,
			Mood:          draft.Mood,
			ShotType:      draft.ShotType,
			Status:        models.SegmentStatusPending,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
	}
	if err := models.BatchCreateSegments(db, segments); err != nil {
		return nil, fmt.Errorf("批量创建段落失败: %w", err)
	}
	if _, err := RecomputeProjectStatus(db, projectID); err != nil {
		return nil, err
	}
	return segments, nil
}

// reparseUpdates 重新解析的落库载荷。版本号在 SQL 侧自增，
// 避免读改写竞态。
func reparseUpdates(parsed models.ParsedScript) map[string]interface{} {
	return map[string]interface{}{
		"parsed":     parsed,
		"version":    gorm.Expr("version + 1"),
		"updated_at": time.Now(),
	}
}

// ReparseScript 解析并落库：保存 Parsed 结果到 script 行，重建段落
func ReparseScript(ctx context.Context, db *gorm.DB, gen TextGenerator, scriptID string) (*models.Script, []models.Segment, error) {
	script, err := models.GetScriptByID(db, scriptID)
	if err != nil {
		return nil, nil, fmt.Errorf("script not found: %w", err)
	}
	project, err := models.GetProjectByID(db, script.ProjectId)
	if err != nil {
		return nil, nil, err
	}

	parsed, err := ParseScript(ctx, gen, script.RawText, project.Config.Segmenter)
	if err != nil {
		return nil, nil, err
	}

	if err := db.Model(&models.Script{}).Where("id = ?", scriptID).
		Updates(reparseUpdates(*parsed)).Error; err != nil {
		return nil, nil, fmt.Errorf("保存解析结果失败: %w", err)
	}
	script.Parsed = *parsed
	script.Version++

	segments, err := ApplyParsedScript(db, script.ProjectId, parsed)
	if err != nil {
		return nil, nil, err
	}
	return script, segments, nil
}

const scriptSystemPromptTemplate = `你是短视频文案作者。根据主题写一篇口播文案，%s风格，目标 %d 字左右。
直接输出文案正文，不要任何解释、标题或 markdown 标记。`

// BuildScriptPrompt 生成文案的系统提示词
func BuildScriptPrompt(cfg models.ScriptConfig) string {
	style := cfg.Style
	if style == "" {
		style = "通俗叙事"
	}
	words := cfg.TargetWords
	if words <= 0 {
		words = 500
	}
	return fmt.Sprintf(scriptSystemPromptTemplate, style, words)
}

const aiFillSystemPrompt = `你是视频项目配置助手。根据用户的一句话描述推荐项目配置。
只输出 JSON，格式：
{"script":{"topic":"主题","style":"风格","target_words":500},"image":{"style":"画面风格","width":1024,"height":1024,"candidate_count":3},"tts":{"voice":"音色","speed":1.0},"composer":{"is_portrait":true,"kenburns_enabled":true,"subtitle_enabled":true}}
只填写能从描述中推断的字段。`

// FillConfigFromDescription 一句话描述 -> 项目配置建议，
// 合并进现有配置（已有非零值不覆盖主题以外的字段语义由调用方决定）
func FillConfigFromDescription(ctx context.Context, gen TextGenerator, description string) (*models.ProjectConfig, error) {
	output, err := gen.Generate(ctx, aiFillSystemPrompt, description)
	if err != nil {
		return nil, fmt.Errorf("配置推荐生成失败: %w", err)
	}
	var cfg models.ProjectConfig
	if err := json.Unmarshal([]byte(extractJSON(output)), &cfg); err != nil {
		return nil, fmt.Errorf("解析配置推荐失败: %w", err)
	}
	return &cfg, nil
}
