package service

import (
	"fmt"
	"strings"
)

// ValidationError 入队/更新参数不合法，拒绝于任何状态变更之前
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// InvalidStateTransitionError 非法的任务状态迁移，状态保持不变
type InvalidStateTransitionError struct {
	JobID string
	From  string
	To    string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition for job %s: %s -> %s", e.JobID, e.From, e.To)
}

// CompositionPreconditionError 合成前置条件不满足，列出不完整的段落 id
type CompositionPreconditionError struct {
	SegmentIDs []string
}

func (e *CompositionPreconditionError) Error() string {
	return fmt.Sprintf("composition precondition failed: incomplete segments [%s]",
		strings.Join(e.SegmentIDs, ", "))
}

// MediaNotFoundError 计划执行时媒体文件缺失，整个合成中止
type MediaNotFoundError struct {
	SegmentID string
	Path      string
}

func (e *MediaNotFoundError) Error() string {
	return fmt.Sprintf("media not found for segment %s: %s", e.SegmentID, e.Path)
}

// MediaMuxError 外部 ffmpeg 非零退出
type MediaMuxError struct {
	Output string
}

func (e *MediaMuxError) Error() string {
	return "ffmpeg mux failed: " + e.Output
}
