package service

import (
	"errors"

	"LumiCreate-server/models"

	"gorm.io/gorm"
)

// 就绪度聚合：段落/项目状态永远由资产与任务状态推导，
// 不存在可被客户端直接改写的状态字段。

// SegmentPhase 由选图/音频推导段落状态
func SegmentPhase(seg *models.Segment) string {
	hasImages := seg.HasAllImages()
	hasAudio := seg.HasAudio()
	switch {
	case hasImages && hasAudio:
		return models.SegmentStatusComplete
	case hasImages:
		return models.SegmentStatusImageReady
	case hasAudio:
		return models.SegmentStatusAudioReady
	default:
		return models.SegmentStatusPending
	}
}

// ProjectPhase 由段落集合推导项目状态。
// 优先级：双齐 -> composable，仅图 -> images_ready，仅音 -> audio_ready，
// 都不齐 -> script_ready；无段落 -> draft。
// exported 粘性：一旦导出成功即保持，后续编辑不自动回退（刻意简化）。
func ProjectPhase(segments []models.Segment, current string) string {
	if current == models.ProjectStatusExported {
		return models.ProjectStatusExported
	}
	if len(segments) == 0 {
		return models.ProjectStatusDraft
	}
	imagesDone := true
	audioDone := true
	for i := range segments {
		if !segments[i].HasAllImages() {
			imagesDone = false
		}
		if !segments[i].HasAudio() {
			audioDone = false
		}
	}
	switch {
	case imagesDone && audioDone:
		return models.ProjectStatusComposable
	case imagesDone:
		return models.ProjectStatusImagesReady
	case audioDone:
		return models.ProjectStatusAudioReady
	default:
		return models.ProjectStatusScriptReady
	}
}

// RecomputeSegmentStatus 资产/任务事件触达某段落后同步调用
func RecomputeSegmentStatus(db *gorm.DB, segmentID string) (string, error) {
	seg, err := models.GetSegmentByID(db, segmentID)
	if err != nil {
		return "", err
	}
	phase := SegmentPhase(seg)
	if phase != seg.Status {
		if err := models.UpdateSegment(db, segmentID, map[string]interface{}{"status": phase}); err != nil {
			return "", err
		}
	}
	return phase, nil
}

// RecomputeProjectStatus 段落状态变化后同步调用
func RecomputeProjectStatus(db *gorm.DB, projectID string) (string, error) {
	project, err := models.GetProjectByID(db, projectID)
	if err != nil {
		return "", err
	}
	segments, err := models.ListSegmentsByProject(db, projectID)
	if err != nil {
		return "", err
	}
	phase := ProjectPhase(segments, project.Status)
	if phase != project.Status {
		if err := models.UpdateProjectStatus(db, projectID, phase); err != nil {
			return "", err
		}
	}
	return phase, nil
}

// IsComposing 是否存在非终态的视频合成任务。
// 这是「正在合成」的权威信号，UI 缓存的布尔值只是它的只读视图。
func IsComposing(db *gorm.DB, projectID string) (bool, error) {
	var count int64
	err := db.Model(&models.Job{}).
		Where("project_id = ? AND type = ?", projectID, models.JobTypeVideoCompose).
		Where("status IN ?", []string{models.JobStatusQueued, models.JobStatusRunning}).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// CanCompose 项目可合成：状态为 composable/exported 且没有合成任务在跑
func CanCompose(db *gorm.DB, projectID string) (bool, error) {
	project, err := models.GetProjectByID(db, projectID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	if project.Status != models.ProjectStatusComposable && project.Status != models.ProjectStatusExported {
		return false, nil
	}
	composing, err := IsComposing(db, projectID)
	if err != nil {
		return false, err
	}
	return !composing, nil
}
