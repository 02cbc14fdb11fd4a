package service

import (
	"testing"

	"LumiCreate-server/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultComposer() models.ComposerConfig {
	return models.ComposerConfig{}.Normalized()
}

func TestSplitSentences(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want []string
	}{
		{"中文两句", "你好。世界！", []string{"你好。", "世界！"}},
		{"连续标点归一句", "什么？！真的……", []string{"什么？！", "真的……"}},
		{"无标点整段一句", "没有结束标点的一段话", []string{"没有结束标点的一段话"}},
		{"未终结的尾巴保留", "第一句。然后是尾巴", []string{"第一句。", "然后是尾巴"}},
		{"英文句子", "Hello world. How are you?", []string{"Hello world.", "How are you?"}},
		{"空串", "   ", nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, SplitSentences(tc.in))
		})
	}
}

func TestSegmentDurationMs(t *testing.T) {
	cfg := defaultComposer()

	// 真实音频时长 + padding
	assert.Equal(t, 6300, SegmentDurationMs(6000, cfg))
	// 短音频被最小段落时长兜底
	assert.Equal(t, 1500, SegmentDurationMs(500, cfg))
	// 正好在边界
	assert.Equal(t, 1500, SegmentDurationMs(1200, cfg))
	assert.Equal(t, 1501, SegmentDurationMs(1201, cfg))
}

func TestEstimateDurationMs(t *testing.T) {
	cfg := defaultComposer()

	// 单字估算低于下限
	assert.Equal(t, 1500, EstimateDurationMs("天", cfg))
	// 18 字 / 4.5 字每秒 = 4000ms
	assert.Equal(t, 4000, EstimateDurationMs("一二三四五六七八九十一二三四五六七八", cfg))
	// 空白不计入字数
	assert.Equal(t,
		EstimateDurationMs("一二三四五六七八九十一二三四五六七八", cfg),
		EstimateDurationMs("一二三 四五六\n七八九十一二三四五六七八", cfg))
}

func TestAllocateCuesProportionalExactSum(t *testing.T) {
	cfg := defaultComposer()
	text := "天下大势，分久必合，合久必分。此乃千古不变之理。"
	sentences := SplitSentences(text)
	require.Len(t, sentences, 2)

	total := SegmentDurationMs(6000, cfg) // 6300
	cues := AllocateCues(sentences, total, cfg)
	require.Len(t, cues, 2)

	// 总和精确等于段落时长
	sum := 0
	for _, c := range cues {
		sum += c.EndMs - c.StartMs
	}
	assert.Equal(t, total, sum)

	// 有序、无重叠、无空洞
	assert.Equal(t, 0, cues[0].StartMs)
	assert.Equal(t, cues[0].EndMs, cues[1].StartMs)
	assert.Equal(t, total, cues[1].EndMs)

	// 长句分得更多时间
	assert.Greater(t, cues[0].EndMs-cues[0].StartMs, cues[1].EndMs-cues[1].StartMs)
}

func TestAllocateCuesMinDurationBorrowing(t *testing.T) {
	cfg := defaultComposer()
	sentences := []string{"一。", "这是一个非常非常非常非常非常非常长的句子。"}
	cues := AllocateCues(sentences, 2000, cfg)
	require.Len(t, cues, 2)

	d0 := cues[0].EndMs - cues[0].StartMs
	d1 := cues[1].EndMs - cues[1].StartMs
	// 短句被抬到下限，时间从长句借出，总和不变
	assert.GreaterOrEqual(t, d0, cfg.MinCueDurationMs)
	assert.Equal(t, 2000, d0+d1)
}

func TestAllocateCuesEqualSplitFallback(t *testing.T) {
	cfg := defaultComposer()
	// 总时长不足以满足 3 句的下限（3*500 > 1200），退化为均分
	sentences := []string{"一。", "二。", "三。"}
	cues := AllocateCues(sentences, 1200, cfg)
	require.Len(t, cues, 3)

	sum := 0
	for _, c := range cues {
		d := c.EndMs - c.StartMs
		assert.Equal(t, 400, d)
		sum += d
	}
	assert.Equal(t, 1200, sum)
}

func TestAllocateCuesSumInvariant(t *testing.T) {
	cfg := defaultComposer()
	texts := []string{
		"短。中等长度的句子。这是一个相当长的句子用来制造不均衡的权重分布。",
		"只有一句话没有标点",
		"甲。乙。丙。丁。戊。己。庚。辛。",
	}
	for _, text := range texts {
		for _, total := range []int{1500, 1501, 5000, 6300, 59999} {
			cues := AllocateCues(SplitSentences(text), total, cfg)
			sum := 0
			for i, c := range cues {
				sum += c.EndMs - c.StartMs
				if i > 0 {
					assert.Equal(t, cues[i-1].EndMs, c.StartMs)
				}
			}
			assert.Equal(t, total, sum, "text=%q total=%d", text, total)
		}
	}
}

func TestWrapLines(t *testing.T) {
	// 短文本不换行
	assert.Equal(t, []string{"短句"}, WrapLines("短句", 18))

	// 中文无空白按字符数硬切
	long := "这是一段超过十八个字符需要折行展示的中文旁白字幕文本内容"
	lines := WrapLines(long, 18)
	assert.Greater(t, len(lines), 1)
	total := 0
	for _, l := range lines {
		assert.LessOrEqual(t, len([]rune(l)), 18)
		total += len([]rune(l))
	}
	assert.Equal(t, len([]rune(long)), total)

	// 英文在空白处断行
	lines = WrapLines("hello world foo bar baz", 12)
	for _, l := range lines {
		assert.LessOrEqual(t, len([]rune(l)), 12)
		assert.False(t, len(l) > 0 && (l[0] == ' ' || l[len(l)-1] == ' '))
	}
}

func TestWrapNeverChangesTiming(t *testing.T) {
	cfg := defaultComposer()
	cfg.MaxCharsPerLine = 8
	sentences := []string{"这是一个需要折成好几行展示的超长句子。", "短句。"}
	cues := AllocateCues(sentences, 6300, cfg)

	narrow := cues
	cfg.MaxCharsPerLine = 80
	wide := AllocateCues(sentences, 6300, cfg)

	// 换行宽度只影响 Lines，不影响时间边界
	for i := range narrow {
		assert.Equal(t, wide[i].StartMs, narrow[i].StartMs)
		assert.Equal(t, wide[i].EndMs, narrow[i].EndMs)
	}
}

func TestConcatCueTracks(t *testing.T) {
	seg1 := []Cue{{Text: "a", StartMs: 0, EndMs: 1000}, {Text: "b", StartMs: 1000, EndMs: 2000}}
	seg2 := []Cue{{Text: "c", StartMs: 0, EndMs: 1500}}

	track := ConcatCueTracks([][]Cue{seg1, seg2}, []int{2000, 1500}, 0)
	require.Len(t, track, 3)
	assert.Equal(t, 2000, track[2].StartMs)
	assert.Equal(t, 3500, track[2].EndMs)

	// 段间有转场间隔时整体后移
	track = ConcatCueTracks([][]Cue{seg1, seg2}, []int{2000, 1500}, 300)
	assert.Equal(t, 2300, track[2].StartMs)
}

func TestExactShares(t *testing.T) {
	for _, tc := range []struct {
		weights []int
		total   int
	}{
		{[]int{15, 9}, 6300},
		{[]int{1, 1, 1}, 100},
		{[]int{7, 13, 2, 41}, 9999},
		{[]int{0, 0}, 1001},
	} {
		shares := exactShares(tc.weights, tc.total)
		sum := 0
		for _, s := range shares {
			sum += s
		}
		assert.Equal(t, tc.total, sum, "weights=%v", tc.weights)
	}
}
