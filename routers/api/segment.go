package api

import (
	"fmt"
	"net/http"
	"strings"

	"LumiCreate-server/models"
	"LumiCreate-server/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// 段落列表（按 order_index 有序）
func ListSegments(c *gin.Context) {
	projectID := c.Param("project_id")
	segments, err := models.ListSegmentsByProject(models.GormDB, projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取段落失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"segments": segments})
}

func GetSegment(c *gin.Context) {
	seg, err := models.GetSegmentByID(models.GormDB, c.Param("segment_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "段落未找到: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"segment": seg})
}

// 更新段落。旁白文本变更会使已有配音失效（文本与配音必须一致），
// 自动清除音频指针并重算状态。
func UpdateSegment(c *gin.Context) {
	segmentID := c.Param("segment_id")
	var req struct {
		Title         *string   `json:"title"`
		NarrationText *string   `json:"narration_text"`
		VisualPrompts *[]string `json:"visual_prompts"`
		OnScreenText  *string   `json:"on_screen_text"`
		Mood          *string   `json:"mood"`
		ShotType      *string   `json:"shot_type"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	seg, err := models.GetSegmentByID(models.GormDB, segmentID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "段落未找到: " + err.Error()})
		return
	}

	updates := map[string]interface{}{}
	if req.Title != nil {
		updates["title"] = *req.Title
	}
	if req.OnScreenText != nil {
		updates["on_screen_text"] = *req.OnScreenText
	}
	if req.Mood != nil {
		updates["mood"] = *req.Mood
	}
	if req.ShotType != nil {
		updates["shot_type"] = *req.ShotType
	}
	if req.NarrationText != nil && *req.NarrationText != seg.NarrationText {
		if strings.TrimSpace(*req.NarrationText) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "narration_text 不能为空"})
			return
		}
		updates["narration_text"] = *req.NarrationText
		updates["audio_asset_id"] = ""
		updates["duration_ms"] = 0
	}
	if req.VisualPrompts != nil {
		// 场景数变化时已有选图按场景失配处理：全部清除
		if len(*req.VisualPrompts) != seg.SceneCount() {
			updates["scene_selections"] = models.SceneSelections{}
			updates["selected_image_asset_id"] = ""
		}
		updates["visual_prompts"] = models.StringList(*req.VisualPrompts)
	}

	if len(updates) > 0 {
		if err := models.UpdateSegment(models.GormDB, segmentID, updates); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "更新段落失败: " + err.Error()})
			return
		}
		if _, err := service.RecomputeSegmentStatus(models.GormDB, segmentID); err == nil {
			_, _ = service.RecomputeProjectStatus(models.GormDB, seg.ProjectId)
		}
	}

	updated, _ := models.GetSegmentByID(models.GormDB, segmentID)
	c.JSON(http.StatusOK, gin.H{"segment": updated})
}

// 删除段落并压实序号
func DeleteSegment(c *gin.Context) {
	segmentID := c.Param("segment_id")
	seg, err := models.GetSegmentByID(models.GormDB, segmentID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "段落未找到: " + err.Error()})
		return
	}
	if err := models.DeleteSegmentByID(models.GormDB, segmentID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "删除段落失败: " + err.Error()})
		return
	}
	if err := models.RenumberSegments(models.GormDB, seg.ProjectId); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "重排段落失败: " + err.Error()})
		return
	}
	_, _ = service.RecomputeProjectStatus(models.GormDB, seg.ProjectId)
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// 拆分段落：position 为旁白文本内的字符（rune）位置。
// 原段落保留前半与选图，音频作废；后半成为新段落，从 pending 开始。
func SplitSegment(c *gin.Context) {
	segmentID := c.Param("segment_id")
	var req struct {
		Position int `json:"position" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	seg, err := models.GetSegmentByID(models.GormDB, segmentID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "段落未找到: " + err.Error()})
		return
	}
	runes := []rune(seg.NarrationText)
	if req.Position <= 0 || req.Position >= len(runes) {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("position 必须在 (0, %d) 内", len(runes))})
		return
	}
	front := strings.TrimSpace(string(runes[:req.Position]))
	back := strings.TrimSpace(string(runes[req.Position:]))
	if front == "" || back == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "拆分后两段都不能为空"})
		return
	}

	if err := models.ShiftSegmentOrders(models.GormDB, seg.ProjectId, seg.OrderIndex, 1); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "调整段落顺序失败: " + err.Error()})
		return
	}
	newSeg := models.Segment{
		ID:            uuid.NewString(),
		ProjectId:     seg.ProjectId,
		OrderIndex:    seg.OrderIndex + 1,
		NarrationText: back,
		VisualPrompts: models.StringList{back},
		Status:        models.SegmentStatusPending,
	}
	if err := models.CreateSegment(models.GormDB, &newSeg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建新段落失败: " + err.Error()})
		return
	}
	if err := models.UpdateSegment(models.GormDB, seg.ID, map[string]interface{}{
		"narration_text": front,
		"audio_asset_id": "",
		"duration_ms":    0,
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "更新原段落失败: " + err.Error()})
		return
	}
	if _, err := service.RecomputeSegmentStatus(models.GormDB, seg.ID); err == nil {
		_, _ = service.RecomputeProjectStatus(models.GormDB, seg.ProjectId)
	}

	segments, _ := models.ListSegmentsByProject(models.GormDB, seg.ProjectId)
	c.JSON(http.StatusOK, gin.H{"segments": segments})
}

// 合并段落：当前段落吞并下一个段落，旁白拼接、提示词合并。
// 合并后的文本没有对应配音，音频作废。
func MergeSegment(c *gin.Context) {
	segmentID := c.Param("segment_id")
	seg, err := models.GetSegmentByID(models.GormDB, segmentID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "段落未找到: " + err.Error()})
		return
	}

	segments, err := models.ListSegmentsByProject(models.GormDB, seg.ProjectId)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	var next *models.Segment
	for i := range segments {
		if segments[i].OrderIndex == seg.OrderIndex+1 {
			next = &segments[i]
			break
		}
	}
	if next == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "没有可合并的下一个段落"})
		return
	}

	mergedPrompts := append(models.StringList{}, seg.VisualPrompts...)
	mergedPrompts = append(mergedPrompts, next.VisualPrompts...)

	if err := models.UpdateSegment(models.GormDB, seg.ID, map[string]interface{}{
		"narration_text":   seg.NarrationText + next.NarrationText,
		"visual_prompts":   mergedPrompts,
		"scene_selections": models.SceneSelections{},
		"audio_asset_id":   "",
		"duration_ms":      0,
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "合并段落失败: " + err.Error()})
		return
	}
	if err := models.DeleteSegmentByID(models.GormDB, next.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "删除被合并段落失败: " + err.Error()})
		return
	}
	if err := models.RenumberSegments(models.GormDB, seg.ProjectId); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "重排段落失败: " + err.Error()})
		return
	}
	if _, err := service.RecomputeSegmentStatus(models.GormDB, seg.ID); err == nil {
		_, _ = service.RecomputeProjectStatus(models.GormDB, seg.ProjectId)
	}

	merged, _ := models.GetSegmentByID(models.GormDB, seg.ID)
	c.JSON(http.StatusOK, gin.H{"segment": merged})
}

// 重排段落：请求必须携带项目全部段落 id 的一个排列
func ReorderSegments(c *gin.Context) {
	projectID := c.Param("project_id")
	var req struct {
		SegmentIds []string `json:"segment_ids" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	segments, err := models.ListSegmentsByProject(models.GormDB, projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(req.SegmentIds) != len(segments) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "segment_ids 必须包含项目的全部段落"})
		return
	}
	existing := map[string]bool{}
	for _, s := range segments {
		existing[s.ID] = true
	}
	seen := map[string]bool{}
	for _, id := range req.SegmentIds {
		if !existing[id] || seen[id] {
			c.JSON(http.StatusBadRequest, gin.H{"error": "segment_ids 必须是项目段落的一个排列"})
			return
		}
		seen[id] = true
	}

	for i, id := range req.SegmentIds {
		if err := models.UpdateSegment(models.GormDB, id, map[string]interface{}{"order_index": i}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "重排失败: " + err.Error()})
			return
		}
	}
	reordered, _ := models.ListSegmentsByProject(models.GormDB, projectID)
	c.JSON(http.StatusOK, gin.H{"segments": reordered})
}

// ---- 图片 ----

// 生成段落图片（指定场景，默认 0）
func GenerateSegmentImages(c *gin.Context) {
	segmentID := c.Param("segment_id")
	var req struct {
		SceneIndex int    `json:"scene_index"`
		Count      int    `json:"count"`
		Prompt     string `json:"prompt"`
		Seed       int64  `json:"seed"`
	}
	_ = c.ShouldBindJSON(&req)

	seg, err := models.GetSegmentByID(models.GormDB, segmentID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "段落未找到: " + err.Error()})
		return
	}
	if req.SceneIndex < 0 || req.SceneIndex >= seg.SceneCount() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("scene_index 必须在 [0, %d) 内", seg.SceneCount())})
		return
	}
	project, err := models.GetProjectByID(models.GormDB, seg.ProjectId)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}

	imgCfg := project.Config.Image
	prompt := req.Prompt
	if prompt == "" {
		prompt = seg.ScenePrompt(req.SceneIndex)
	}
	if prompt == "" {
		prompt = seg.NarrationText
	}
	count := req.Count
	if count <= 0 {
		count = imgCfg.CandidateCount
	}

	job, existing, err := jobRegistry.Enqueue(models.JobTypeImageGen, seg.ProjectId, seg.ID, models.JobParams{
		Image: &models.ImageGenParams{
			Prompt:     prompt,
			SceneIndex: req.SceneIndex,
			Count:      count,
			Seed:       req.Seed,
			Width:      imgCfg.Width,
			Height:     imgCfg.Height,
			Engine:     imgCfg.Engine,
			Style:      imgCfg.Style,
		},
	})
	if err != nil {
		respondEnqueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job, "existing": existing})
}

// 段落图片候选列表（按版本/场景分组由前端处理）
func ListSegmentImages(c *gin.Context) {
	assets, err := models.ListSegmentAssets(models.GormDB, c.Param("segment_id"), models.AssetTypeImage)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"assets": assets})
}

// 选中段落某场景的图片
func SelectSegmentImage(c *gin.Context) {
	segmentID := c.Param("segment_id")
	var req struct {
		AssetId    string `json:"asset_id" binding:"required"`
		SceneIndex int    `json:"scene_index"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	seg, err := models.GetSegmentByID(models.GormDB, segmentID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "段落未找到: " + err.Error()})
		return
	}
	if req.SceneIndex < 0 || req.SceneIndex >= seg.SceneCount() {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("scene_index 必须在 [0, %d) 内", seg.SceneCount())})
		return
	}
	asset, err := models.GetAssetByID(models.GormDB, req.AssetId)
	if err != nil || asset.SegmentId != segmentID || asset.Type != models.AssetTypeImage {
		c.JSON(http.StatusBadRequest, gin.H{"error": "asset 不存在或不属于该段落"})
		return
	}

	selections := seg.SceneSelections
	if selections == nil {
		selections = models.SceneSelections{}
	}
	selections[fmt.Sprintf("%d", req.SceneIndex)] = asset.ID

	updates := map[string]interface{}{"scene_selections": selections}
	if req.SceneIndex == 0 {
		updates["selected_image_asset_id"] = asset.ID
	}
	if err := models.UpdateSegment(models.GormDB, segmentID, updates); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "选图失败: " + err.Error()})
		return
	}
	if _, err := service.RecomputeSegmentStatus(models.GormDB, segmentID); err == nil {
		_, _ = service.RecomputeProjectStatus(models.GormDB, seg.ProjectId)
	}

	updated, _ := models.GetSegmentByID(models.GormDB, segmentID)
	c.JSON(http.StatusOK, gin.H{"segment": updated})
}

// ---- 配音 ----

func GenerateSegmentAudio(c *gin.Context) {
	segmentID := c.Param("segment_id")
	var req struct {
		Text string `json:"text"` // 为空时用段落旁白
	}
	_ = c.ShouldBindJSON(&req)

	seg, err := models.GetSegmentByID(models.GormDB, segmentID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "段落未找到: " + err.Error()})
		return
	}
	project, err := models.GetProjectByID(models.GormDB, seg.ProjectId)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}

	text := req.Text
	if text == "" {
		text = seg.NarrationText
	}
	ttsCfg := project.Config.TTS
	job, existing, err := jobRegistry.Enqueue(models.JobTypeAudioGen, seg.ProjectId, seg.ID, models.JobParams{
		Audio: &models.AudioGenParams{
			Text:       text,
			Voice:      ttsCfg.Voice,
			Lang:       ttsCfg.Lang,
			SampleRate: ttsCfg.SampleRate,
			Format:     ttsCfg.Format,
			Speed:      ttsCfg.Speed,
		},
	})
	if err != nil {
		respondEnqueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job, "existing": existing})
}

// ---- 批量 ----

func GenerateAllImages(c *gin.Context) {
	projectID := c.Param("project_id")
	var req struct {
		SegmentIds []string `json:"segment_ids"`
	}
	_ = c.ShouldBindJSON(&req)

	project, err := models.GetProjectByID(models.GormDB, projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}
	outcomes, err := jobRegistry.GenerateAllImages(projectID, req.SegmentIds, project.Config.Image)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": outcomes})
}

func GenerateAllAudio(c *gin.Context) {
	projectID := c.Param("project_id")
	var req struct {
		SegmentIds []string `json:"segment_ids"`
	}
	_ = c.ShouldBindJSON(&req)

	project, err := models.GetProjectByID(models.GormDB, projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}
	outcomes, err := jobRegistry.GenerateAllAudio(projectID, req.SegmentIds, project.Config.TTS)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": outcomes})
}
