package service

import (
	"strings"
	"unicode"

	"LumiCreate-server/models"
)

// 时长与字幕切分引擎。预览（估算时长）和合成（真实音频时长）
// 走同一套切分逻辑，避免预览与成片出现可见偏差。

// Cue 一条字幕：一句话及其在段落内的起止时间（毫秒，段内相对）
type Cue struct {
	Text    string   `json:"text"`
	Lines   []string `json:"lines"`
	StartMs int      `json:"start_ms"`
	EndMs   int      `json:"end_ms"`
}

// sentenceTerminators 中英文句末标点（保留在句尾）
func isSentenceTerminator(r rune) bool {
	switch r {
	case '。', '！', '？', '!', '?', '.', '…', '；', ';':
		return true
	}
	return false
}

// SplitSentences 按句末标点切句，标点保留在各句末尾；
// 连续标点（如 "?!"、"……"）归入同一句。无标点时整段作为一句。
func SplitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var sentences []string
	var current []rune
	runes := []rune(text)
	for i, r := range runes {
		current = append(current, r)
		if !isSentenceTerminator(r) {
			continue
		}
		// 连续标点归入同一句
		if i+1 < len(runes) && isSentenceTerminator(runes[i+1]) {
			continue
		}
		s := strings.TrimSpace(string(current))
		if s != "" {
			sentences = append(sentences, s)
		}
		current = current[:0]
	}
	if s := strings.TrimSpace(string(current)); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// narrationCharCount 估算时按去除空白后的字符数
func narrationCharCount(text string) int {
	n := 0
	for _, r := range text {
		if !unicode.IsSpace(r) {
			n++
		}
	}
	return n
}

// SegmentDurationMs 音频时长 + padding，不低于最小段落时长
func SegmentDurationMs(audioMs int, cfg models.ComposerConfig) int {
	cfg = cfg.Normalized()
	d := audioMs + cfg.SegmentPaddingMs
	if d < cfg.MinSegmentDurationMs {
		d = cfg.MinSegmentDurationMs
	}
	return d
}

// EstimateDurationMs 音频未生成时按字数估算（仅用于预览/排序，
// 最终合成必须有真实音频时长）
func EstimateDurationMs(text string, cfg models.ComposerConfig) int {
	cfg = cfg.Normalized()
	chars := narrationCharCount(text)
	d := int(float64(chars) / cfg.FallbackCharsPerSec * 1000)
	if d < cfg.MinSegmentDurationMs {
		d = cfg.MinSegmentDurationMs
	}
	return d
}

// exactShares 按权重比例切分 totalMs，最大余数法保证总和精确等于 totalMs
func exactShares(weights []int, totalMs int) []int {
	n := len(weights)
	if n == 0 {
		return nil
	}
	totalW := 0
	for _, w := range weights {
		totalW += w
	}
	shares := make([]int, n)
	if totalW == 0 {
		// 权重全零退化为均分
		for i := range shares {
			shares[i] = totalMs / n
		}
		for i := 0; i < totalMs%n; i++ {
			shares[i]++
		}
		return shares
	}
	type frac struct {
		idx int
		rem int
	}
	fracs := make([]frac, n)
	assigned := 0
	for i, w := range weights {
		num := totalMs * w
		shares[i] = num / totalW
		fracs[i] = frac{idx: i, rem: num % totalW}
		assigned += shares[i]
	}
	// 剩余毫秒给小数部分最大的
	for left := totalMs - assigned; left > 0; left-- {
		best := -1
		for i := range fracs {
			if fracs[i].rem < 0 {
				continue
			}
			if best == -1 || fracs[i].rem > fracs[best].rem {
				best = i
			}
		}
		if best == -1 {
			break
		}
		shares[fracs[best].idx]++
		fracs[best].rem = -1
	}
	return shares
}

// AllocateCues 把段落总时长按句子字符数比例分到各句，并保证：
//   - 各句不低于最小字幕时长（不足时按比例向更长的句借时）
//   - 所有句时长之和精确等于 totalMs（误差 0）
//   - 输出按时间有序、无重叠、无空洞
func AllocateCues(sentences []string, totalMs int, cfg models.ComposerConfig) []Cue {
	cfg = cfg.Normalized()
	n := len(sentences)
	if n == 0 || totalMs <= 0 {
		return nil
	}

	weights := make([]int, n)
	for i, s := range sentences {
		weights[i] = len([]rune(s))
	}
	durations := exactShares(weights, totalMs)

	// 低于最小时长的句子向有富余的句子按比例借时
	minMs := cfg.MinCueDurationMs
	if totalMs >= minMs*n {
		deficit := 0
		var donorCaps []int
		var donorIdx []int
		for i, d := range durations {
			if d < minMs {
				deficit += minMs - d
			} else if d > minMs {
				donorCaps = append(donorCaps, d-minMs)
				donorIdx = append(donorIdx, i)
			}
		}
		if deficit > 0 {
			taken := exactShares(donorCaps, deficit)
			for j, idx := range donorIdx {
				durations[idx] -= taken[j]
			}
			for i, d := range durations {
				if d < minMs {
					durations[i] = minMs
				}
			}
		}
	} else {
		// 总时长不足以满足所有下限，退化为均分（总和不变优先于下限）
		ones := make([]int, n)
		for i := range ones {
			ones[i] = 1
		}
		durations = exactShares(ones, totalMs)
	}

	cues := make([]Cue, n)
	cursor := 0
	for i, s := range sentences {
		cues[i] = Cue{
			Text:    s,
			Lines:   WrapLines(s, cfg.MaxCharsPerLine),
			StartMs: cursor,
			EndMs:   cursor + durations[i],
		}
		cursor += durations[i]
	}
	return cues
}

// WrapLines 超长句在同一条字幕内折成多行展示。换行只是渲染层面的事，
// 不会拆出新的计时单元。断点优先取目标位置附近的空白，
// 中文等无空白文本退化为按字符数硬切。
func WrapLines(text string, maxChars int) []string {
	runes := []rune(text)
	if maxChars <= 0 || len(runes) <= maxChars {
		return []string{text}
	}
	numLines := (len(runes) + maxChars - 1) / maxChars
	ideal := (len(runes) + numLines - 1) / numLines

	var lines []string
	start := 0
	for start < len(runes) {
		if len(runes)-start <= maxChars {
			lines = append(lines, strings.TrimSpace(string(runes[start:])))
			break
		}
		limit := start + maxChars
		target := start + ideal
		if target > limit {
			target = limit
		}
		cut := -1
		// 在目标点两侧找最近的空白
		for offset := 0; offset < maxChars; offset++ {
			lo := target - offset
			hi := target + offset
			if lo > start && lo <= limit && unicode.IsSpace(runes[lo-1]) {
				cut = lo
				break
			}
			if hi > start && hi <= limit && unicode.IsSpace(runes[hi-1]) {
				cut = hi
				break
			}
		}
		if cut == -1 {
			cut = target
		}
		lines = append(lines, strings.TrimSpace(string(runes[start:cut])))
		start = cut
	}
	// 去掉纯空白行
	out := lines[:0]
	for _, l := range lines {
		if l != "" {
			out = append(out, l)
		}
	}
	return out
}

// OffsetCues 平移一组字幕的时间（拼接整片字幕轨用）
func OffsetCues(cues []Cue, offsetMs int) []Cue {
	out := make([]Cue, len(cues))
	for i, c := range cues {
		c.StartMs += offsetMs
		c.EndMs += offsetMs
		out[i] = c
	}
	return out
}

// ConcatCueTracks 把各段落的字幕序列按累计时长拼成整片轨道。
// gapMs 为段落间转场占用的额外时间（淡入淡出内嵌在段落内时为 0）。
func ConcatCueTracks(perSegment [][]Cue, segmentDurations []int, gapMs int) []Cue {
	var track []Cue
	offset := 0
	for i, cues := range perSegment {
		track = append(track, OffsetCues(cues, offset)...)
		offset += segmentDurations[i]
		if i < len(perSegment)-1 {
			offset += gapMs
		}
	}
	return track
}
