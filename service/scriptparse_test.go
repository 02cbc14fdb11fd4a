package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"LumiCreate-server/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeTextGenerator struct {
	output string
	err    error
}

func (f *fakeTextGenerator) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return f.output, f.err
}

func (f *fakeTextGenerator) GenerateStream(ctx context.Context, systemPrompt, userPrompt string) (<-chan TextEvent, error) {
	ch := make(chan TextEvent, 2)
	ch <- TextEvent{Chunk: f.output}
	ch <- TextEvent{Done: true}
	close(ch)
	return ch, f.err
}

func TestExtractJSON(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"裸JSON", `{"a":1}`, `{"a":1}`},
		{"代码块包裹", "好的，结果如下：\n```json\n{\"a\":1}\n```\n希望有帮助", `{"a":1}`},
		{"前后说明文字", `解析结果 {"a":1} 以上`, `{"a":1}`},
		{"嵌套对象取最外层", `前言 {"a":{"b":2}} 后记`, `{"a":{"b":2}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, extractJSON(tc.in))
		})
	}
}

func TestSimpleSplit(t *testing.T) {
	// 每句 10 字左右，min 30：三句凑一段
	text := strings.Repeat("这是十个字的一句话呀。", 6)
	drafts := SimpleSplit(text, 30, 80)
	require.NotEmpty(t, drafts)
	for _, d := range drafts {
		n := len([]rune(d.NarrationText))
		assert.GreaterOrEqual(t, n, 30)
		assert.LessOrEqual(t, n, 80)
	}

	// 切分不丢字
	var joined strings.Builder
	for _, d := range drafts {
		joined.WriteString(d.NarrationText)
	}
	assert.Equal(t, text, joined.String())
}

func TestSimpleSplitTailMerge(t *testing.T) {
	// 尾巴不足 min 时并入上一段而不是独立成段
	text := strings.Repeat("这是十个字的一句话呀。", 3) + "短尾巴。"
	drafts := SimpleSplit(text, 30, 80)
	require.Len(t, drafts, 1)
	assert.True(t, strings.HasSuffix(drafts[0].NarrationText, "短尾巴。"))
}

func TestSimpleSplitOversizeSentence(t *testing.T) {
	// 超长单句独立成段
	long := strings.Repeat("很长", 60) + "。"
	drafts := SimpleSplit("短句。"+long, 30, 80)
	require.Len(t, drafts, 2)
	assert.Equal(t, long, drafts[1].NarrationText)
}

func TestSimpleSplitEmpty(t *testing.T) {
	assert.Nil(t, SimpleSplit("   ", 30, 80))
}

func TestParseScriptLLM(t *testing.T) {
	gen := &fakeTextGenerator{output: "```json\n" + `{
		"title": "三国",
		"drafts": [
			{"segment_title": "开篇", "narration_text": "天下大势。", "visual_prompts": ["群雄地图"], "mood": "宏大"},
			{"segment_title": "转折", "narration_text": "分久必合。", "visual_prompts": []}
		]
	}` + "\n```"}

	parsed, err := ParseScript(context.Background(), gen, "天下大势。分久必合。", models.SegmenterConfig{})
	require.NoError(t, err)
	require.Len(t, parsed.Drafts, 2)
	assert.Equal(t, "开篇", parsed.Drafts[0].Title)
	assert.Equal(t, []string{"群雄地图"}, parsed.Drafts[0].VisualPrompts)
}

func TestParseScriptFallback(t *testing.T) {
	// LLM 失败时退回规则切分，解析永远有结果
	gen := &fakeTextGenerator{err: errors.New("llm unavailable")}
	raw := strings.Repeat("这是十个字的一句话呀。", 6)

	parsed, err := ParseScript(context.Background(), gen, raw, models.SegmenterConfig{MinSegmentLength: 30})
	require.NoError(t, err)
	assert.NotEmpty(t, parsed.Drafts)
}

func TestParseScriptGarbageLLMOutput(t *testing.T) {
	// LLM 返回非 JSON 垃圾时同样退回规则切分
	gen := &fakeTextGenerator{output: "抱歉，我无法完成这个任务。"}
	raw := strings.Repeat("这是十个字的一句话呀。", 6)

	parsed, err := ParseScript(context.Background(), gen, raw, models.SegmenterConfig{})
	require.NoError(t, err)
	assert.NotEmpty(t, parsed.Drafts)
}

func TestParseScriptEmptyText(t *testing.T) {
	var ve *ValidationError
	_, err := ParseScript(context.Background(), nil, "  ", models.SegmenterConfig{})
	require.ErrorAs(t, err, &ve)
}

func TestParseScriptCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	gen := &fakeTextGenerator{err: context.Canceled}

	_, err := ParseScript(ctx, gen, "天下大势。", models.SegmenterConfig{})
	require.ErrorIs(t, err, context.Canceled)
}

func TestReparseBumpsVersion(t *testing.T) {
	parsed := models.ParsedScript{Drafts: []models.SegmentDraft{{NarrationText: "天下大势。"}}}
	updates := reparseUpdates(parsed)

	// 重新解析必须递增版本号，且在 SQL 侧自增避免读改写竞态
	assert.Equal(t, gorm.Expr("version + 1"), updates["version"])
	assert.Equal(t, parsed, updates["parsed"])
	assert.Contains(t, updates, "updated_at")
}

func TestFillConfigFromDescription(t *testing.T) {
	gen := &fakeTextGenerator{output: `{
		"script": {"topic": "三国演义", "style": "说书", "target_words": 600},
		"composer": {"is_portrait": true, "subtitle_enabled": true}
	}`}

	cfg, err := FillConfigFromDescription(context.Background(), gen, "做一个三国的竖屏短视频")
	require.NoError(t, err)
	assert.Equal(t, "三国演义", cfg.Script.Topic)
	assert.True(t, cfg.Composer.Portrait)
	assert.True(t, cfg.Composer.SubtitleEnabled)
}
