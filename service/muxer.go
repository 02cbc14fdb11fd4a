package service

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// Muxer 把渲染计划变成一个 mp4 文件，返回相对 WorkDir 的输出路径。
// 接口化便于测试时替换为假实现。
type Muxer interface {
	Mux(ctx context.Context, plan *RenderPlan) (string, error)
}

// FFmpegMuxer 基于 ffmpeg 的实现。流程：
//  1. 预检所有输入文件存在
//  2. 每个场景渲染成小片段（静图循环 + zoompan 运镜）
//  3. 场景拼成段落片段，叠加音频与段内 ASS 字幕
//  4. 所有段落 concat -c copy 成片
type FFmpegMuxer struct {
	FFmpegPath string
	// Progress 合成进度回调（0-100），可为 nil
	Progress func(percent int)
}

func NewFFmpegMuxer(ffmpegPath string) *FFmpegMuxer {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &FFmpegMuxer{FFmpegPath: ffmpegPath}
}

func (m *FFmpegMuxer) report(percent int) {
	if m.Progress != nil {
		m.Progress(percent)
	}
}

func (m *FFmpegMuxer) Mux(ctx context.Context, plan *RenderPlan) (string, error) {
	if err := m.preflight(plan); err != nil {
		return "", err
	}

	tempDir := filepath.Join("temp", "compose_"+plan.ProjectID)
	if err := os.MkdirAll(filepath.Join(plan.WorkDir, tempDir), 0755); err != nil {
		return "", fmt.Errorf("创建临时目录失败: %w", err)
	}
	defer os.RemoveAll(filepath.Join(plan.WorkDir, tempDir))

	// 每个段落留 80% 进度，合并占剩余
	var segmentClips []string
	for i := range plan.Segments {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		clip, err := m.renderSegment(ctx, plan, &plan.Segments[i], tempDir)
		if err != nil {
			return "", err
		}
		segmentClips = append(segmentClips, clip)
		m.report((i + 1) * 80 / len(plan.Segments))
	}

	outputDir := filepath.Join("video", plan.ProjectID)
	if err := os.MkdirAll(filepath.Join(plan.WorkDir, outputDir), 0755); err != nil {
		return "", fmt.Errorf("创建输出目录失败: %w", err)
	}
	outputPath := filepath.Join(outputDir, plan.OutputName)

	m.report(85)
	if err := m.concatSegments(ctx, plan, segmentClips, tempDir, outputPath); err != nil {
		return "", err
	}

	// 外挂字幕落在输出视频旁边
	if plan.Subtitle.Enabled && !plan.Subtitle.Burn {
		sidecar := filepath.Join(outputDir, plan.Subtitle.SidecarName)
		var content string
		if plan.Subtitle.Format == "ass" {
			content = RenderASS(plan.Subtitle.Cues, plan.Width, plan.Height, plan.FontSize, plan.MarginBottom)
		} else {
			content = RenderSRT(plan.Subtitle.Cues)
		}
		if err := os.WriteFile(filepath.Join(plan.WorkDir, sidecar), []byte(content), 0644); err != nil {
			return "", fmt.Errorf("写入字幕文件失败: %w", err)
		}
	}

	m.report(100)
	return outputPath, nil
}

// preflight 合成前确认所有输入文件真实存在，缺失立刻报错而不是烧一半
func (m *FFmpegMuxer) preflight(plan *RenderPlan) error {
	for _, seg := range plan.Segments {
		for _, scene := range seg.Scenes {
			if _, err := os.Stat(filepath.Join(plan.WorkDir, scene.ImagePath)); err != nil {
				return &MediaNotFoundError{SegmentID: seg.SegmentID, Path: scene.ImagePath}
			}
		}
		if seg.AudioPath != "" {
			if _, err := os.Stat(filepath.Join(plan.WorkDir, seg.AudioPath)); err != nil {
				return &MediaNotFoundError{SegmentID: seg.SegmentID, Path: seg.AudioPath}
			}
		}
	}
	return nil
}

// zoompanExpr 按运镜模式生成 zoompan 的 z/x/y 表达式。
// 基于 on（当前帧号）线性插值，避免自引用累积误差导致抖动。
func zoompanExpr(kb KenBurns, totalFrames int) (string, string, string) {
	intensity := kb.ZoomEnd - kb.ZoomStart
	if intensity < 0 {
		intensity = -intensity
	}
	centerX := "iw/2-(iw/zoom/2)"
	centerY := "ih/2-(ih/zoom/2)"
	switch kb.Mode {
	case KenBurnsZoomOut:
		return fmt.Sprintf("%.3f-%.3f*on/%d", kb.ZoomStart, intensity, totalFrames), centerX, centerY
	case KenBurnsPanRight:
		z := fmt.Sprintf("%.3f+%.3f*on/%d", kb.ZoomStart, intensity, totalFrames)
		x := fmt.Sprintf("iw/2-(iw/zoom/2)+%.3f*iw/3*on/%d", intensity, totalFrames)
		return z, x, centerY
	case KenBurnsPanLeft:
		z := fmt.Sprintf("%.3f+%.3f*on/%d", kb.ZoomStart, intensity, totalFrames)
		x := fmt.Sprintf("iw/2-(iw/zoom/2)-%.3f*iw/3*on/%d", intensity, totalFrames)
		return z, x, centerY
	default: // zoom_in
		return fmt.Sprintf("%.3f+%.3f*on/%d", kb.ZoomStart, intensity, totalFrames), centerX, centerY
	}
}

// renderSceneClip 静图循环生成一个无声场景片段
func (m *FFmpegMuxer) renderSceneClip(ctx context.Context, plan *RenderPlan, scene SceneClip, outFile string) error {
	seconds := float64(scene.DurationMs) / 1000

	var vf []string
	if scene.KenBurns.Mode != "" {
		totalFrames := scene.DurationMs * plan.FrameRate / 1000
		if totalFrames < 1 {
			totalFrames = 1
		}
		z, x, y := zoompanExpr(scene.KenBurns, totalFrames)
		// 先放大图片再 zoompan，降低像素级抖动
		vf = append(vf, "scale=8000:-1")
		vf = append(vf, fmt.Sprintf("zoompan=z='%s':x='%s':y='%s':d=%d:s=%dx%d:fps=%d",
			z, x, y, totalFrames, plan.Width, plan.Height, plan.FrameRate))
	} else {
		vf = append(vf, fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2:black",
			plan.Width, plan.Height, plan.Width, plan.Height))
	}
	if plan.TransitionMs > 0 {
		fade := float64(plan.TransitionMs) / 1000
		vf = append(vf, fmt.Sprintf("fade=t=in:st=0:d=%.3f", fade))
		vf = append(vf, fmt.Sprintf("fade=t=out:st=%.3f:d=%.3f", seconds-fade, fade))
	}

	args := []string{
		"-loop", "1", "-t", fmt.Sprintf("%.3f", seconds),
		"-i", scene.ImagePath,
		"-vf", strings.Join(vf, ","),
		"-c:v", "libx264",
		"-profile:v", "main",
		"-preset", "fast",
		"-crf", "23",
		"-r", fmt.Sprintf("%d", plan.FrameRate),
		"-pix_fmt", "yuv420p",
		"-an",
		"-y", outFile,
	}
	return m.run(ctx, plan.WorkDir, args, "")
}

// renderSegment 场景片段拼成一个段落片段，叠加音频和段内字幕
func (m *FFmpegMuxer) renderSegment(ctx context.Context, plan *RenderPlan, seg *PlannedSegment, tempDir string) (string, error) {
	var sceneClips []string
	for j, scene := range seg.Scenes {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		clip := filepath.Join(tempDir, fmt.Sprintf("segment_%04d_scene_%02d.mp4", seg.Index, j))
		if err := m.renderSceneClip(ctx, plan, scene, clip); err != nil {
			return "", err
		}
		sceneClips = append(sceneClips, clip)
	}

	listFile := filepath.Join(tempDir, fmt.Sprintf("scenes_%04d.txt", seg.Index))
	var lines []string
	for _, c := range sceneClips {
		lines = append(lines, fmt.Sprintf("file '%s'", filepath.Base(c)))
	}
	if err := os.WriteFile(filepath.Join(plan.WorkDir, listFile), []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		return "", err
	}

	outFile := filepath.Join(tempDir, fmt.Sprintf("segment_%04d.mp4", seg.Index))

	args := []string{"-f", "concat", "-safe", "0", "-i", filepath.Base(listFile)}
	hasAudio := seg.AudioPath != ""
	if hasAudio {
		// concat 列表在 tempDir 内相对解析，音频需要绝对路径
		args = append(args, "-i", filepath.Join(plan.WorkDir, seg.AudioPath))
	} else {
		args = append(args, "-f", "lavfi", "-i", "anullsrc=channel_layout=stereo:sample_rate=44100")
	}

	var vf []string
	if plan.Subtitle.Enabled && plan.Subtitle.Burn && len(seg.Cues) > 0 {
		assFile := filepath.Join(tempDir, fmt.Sprintf("subtitle_%04d.ass", seg.Index))
		content := RenderASS(seg.Cues, plan.Width, plan.Height, plan.FontSize, plan.MarginBottom)
		if err := os.WriteFile(filepath.Join(plan.WorkDir, assFile), []byte(content), 0644); err != nil {
			return "", err
		}
		vf = append(vf, fmt.Sprintf("ass='%s'", escapeFilterPath(filepath.Base(assFile))))
	}

	if len(vf) > 0 {
		args = append(args, "-vf", strings.Join(vf, ","))
		args = append(args, "-c:v", "libx264", "-preset", "fast", "-crf", "23")
	} else {
		args = append(args, "-c:v", "copy")
	}
	args = append(args,
		"-c:a", "aac", "-b:a", "128k",
		"-map", "0:v:0", "-map", "1:a:0",
		"-t", fmt.Sprintf("%.3f", float64(seg.DurationMs)/1000),
		"-y", filepath.Base(outFile),
	)

	// concat 列表里的文件名是相对 tempDir 的，整条命令在 tempDir 执行
	if err := m.run(ctx, filepath.Join(plan.WorkDir, tempDir), args, seg.SegmentID); err != nil {
		return "", err
	}
	return outFile, nil
}

// concatSegments 所有段落 -c copy 拼成成片（转场已烧进各段落的首尾淡入淡出）
func (m *FFmpegMuxer) concatSegments(ctx context.Context, plan *RenderPlan, clips []string, tempDir, outputPath string) error {
	listFile := filepath.Join(tempDir, "concat_list.txt")
	var lines []string
	for _, c := range clips {
		lines = append(lines, fmt.Sprintf("file '%s'", filepath.Base(c)))
	}
	if err := os.WriteFile(filepath.Join(plan.WorkDir, listFile), []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		return err
	}

	args := []string{
		"-f", "concat", "-safe", "0",
		"-i", filepath.Base(listFile),
		"-c", "copy",
		"-movflags", "+faststart",
		"-y", filepath.Join(plan.WorkDir, outputPath),
	}
	return m.run(ctx, filepath.Join(plan.WorkDir, tempDir), args, "")
}

// run 执行 ffmpeg，失败时携带 stderr 尾部返回 MediaMuxError
func (m *FFmpegMuxer) run(ctx context.Context, dir string, args []string, segmentID string) error {
	cmd := exec.CommandContext(ctx, m.FFmpegPath, args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		tail := stderr.String()
		if len(tail) > 500 {
			tail = tail[len(tail)-500:]
		}
		log.Printf("[Muxer] ffmpeg 失败 segment=%s: %v\n%s", segmentID, err, tail)
		return &MediaMuxError{Output: tail}
	}
	return nil
}

// escapeFilterPath ffmpeg 滤镜参数里的路径需要转义冒号
func escapeFilterPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.ReplaceAll(p, ":", "\\:")
}
