package api

import (
	"errors"
	"log"
	"net/http"
	"time"

	"LumiCreate-server/models"
	"LumiCreate-server/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// jobRegistry 所有 handler 共用的任务入口，main.go 初始化后注入
var jobRegistry *service.Registry

// InitHandlers 注入依赖（在 InitDB 之后调用）
func InitHandlers() {
	jobRegistry = service.NewRegistry(models.GormDB)
}

// 创建项目
func CreateProject(c *gin.Context) {
	var req struct {
		Name   string               `json:"name" binding:"required"`
		Config models.ProjectConfig `json:"config"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	project := models.Project{
		ID:     uuid.NewString(),
		Name:   req.Name,
		Status: models.ProjectStatusDraft,
		Config: req.Config,
	}
	if err := models.CreateProject(models.GormDB, &project); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "创建项目失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"project": project})
}

// 项目列表（可按状态过滤）
func ListProjects(c *gin.Context) {
	projects, err := models.ListProjects(models.GormDB, c.Query("status"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取项目列表失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

// 项目详情：项目 + 段落 + 最近任务
func GetProject(c *gin.Context) {
	projectID := c.Param("project_id")

	project, err := models.GetProjectByID(models.GormDB, projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}
	segments, err := models.ListSegmentsByProject(models.GormDB, projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取段落失败: " + err.Error()})
		return
	}
	jobs, err := service.NewJobStore(models.GormDB).ListByProject(projectID, nil, "")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取任务失败: " + err.Error()})
		return
	}
	var recentJob *models.Job
	if len(jobs) > 0 {
		recentJob = &jobs[0]
	}

	c.JSON(http.StatusOK, gin.H{
		"project":    project,
		"segments":   segments,
		"recent_job": recentJob,
	})
}

// 项目就绪度摘要：各段落状态 + 是否可合成
func GetProjectSummary(c *gin.Context) {
	projectID := c.Param("project_id")

	project, err := models.GetProjectByID(models.GormDB, projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}
	segments, err := models.ListSegmentsByProject(models.GormDB, projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "获取段落失败: " + err.Error()})
		return
	}

	type segmentSummary struct {
		ID        string `json:"id"`
		Status    string `json:"status"`
		HasImages bool   `json:"has_images"`
		HasAudio  bool   `json:"has_audio"`
	}
	summaries := make([]segmentSummary, len(segments))
	for i := range segments {
		summaries[i] = segmentSummary{
			ID:        segments[i].ID,
			Status:    service.SegmentPhase(&segments[i]),
			HasImages: segments[i].HasAllImages(),
			HasAudio:  segments[i].HasAudio(),
		}
	}
	composable, err := service.CanCompose(models.GormDB, projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	composing, _ := service.IsComposing(models.GormDB, projectID)

	c.JSON(http.StatusOK, gin.H{
		"project_id":  projectID,
		"status":      project.Status,
		"segments":    summaries,
		"can_compose": composable,
		"composing":   composing,
	})
}

// 更新项目配置（整体替换，状态不受配置修改影响）
func UpdateProjectConfig(c *gin.Context) {
	projectID := c.Param("project_id")
	var cfg models.ProjectConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := models.GetProjectByID(models.GormDB, projectID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}
	if err := models.UpdateProjectConfig(models.GormDB, projectID, cfg); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "更新配置失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// 删除项目：先取消活跃任务，再级联删除
func DeleteProject(c *gin.Context) {
	projectID := c.Param("project_id")

	active, err := service.NewJobStore(models.GormDB).ListByProject(projectID,
		[]string{models.JobStatusQueued, models.JobStatusRunning}, "")
	if err == nil {
		for _, job := range active {
			if err := jobRegistry.Cancel(job.ID); err != nil {
				log.Printf("取消任务失败 job=%s: %v", job.ID, err)
			}
		}
	}

	if err := models.DeleteProjectByID(models.GormDB, projectID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "删除项目失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"deleteAt": time.Now(),
		"message":  "项目已删除",
	})
}

// AI 配置填充：一句话描述 -> 异步填充项目配置
func AIFillConfig(c *gin.Context) {
	projectID := c.Param("project_id")
	var req struct {
		Description string `json:"description" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := models.GetProjectByID(models.GormDB, projectID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}

	job, existing, err := jobRegistry.Enqueue(models.JobTypeAIFill, projectID, "", models.JobParams{
		AIFill: &models.AIFillParams{Description: req.Description},
	})
	if err != nil {
		respondEnqueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job, "existing": existing})
}

// 发起视频合成
func ComposeVideo(c *gin.Context) {
	projectID := c.Param("project_id")
	var req struct {
		OutputName string `json:"output_name"`
	}
	_ = c.ShouldBindJSON(&req)

	ok, err := service.CanCompose(models.GormDB, projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if !ok {
		// 给出具体缺什么
		segments, err := models.ListSegmentsByProject(models.GormDB, projectID)
		if err == nil {
			var missing []string
			for i := range segments {
				if !segments[i].HasAllImages() || !segments[i].HasAudio() {
					missing = append(missing, segments[i].ID)
				}
			}
			if len(missing) > 0 {
				c.JSON(http.StatusConflict, gin.H{
					"error":               "项目尚不可合成",
					"incomplete_segments": missing,
				})
				return
			}
		}
		c.JSON(http.StatusConflict, gin.H{"error": "项目尚不可合成（已有合成任务在执行或状态未就绪）"})
		return
	}

	// CanCompose 与入队之间仍有窗口（期间段落可能被改动）。
	// 不在这里加锁：执行器构建渲染计划时会再做一次前置校验，
	// 窗口内混进来的任务会带着不合格段落列表干净地失败。
	job, existing, err := jobRegistry.Enqueue(models.JobTypeVideoCompose, projectID, "", models.JobParams{
		Compose: &models.ComposeParams{OutputName: req.OutputName},
	})
	if err != nil {
		respondEnqueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job, "existing": existing})
}

// respondEnqueueError 参数错误与内部错误分流
func respondEnqueueError(c *gin.Context, err error) {
	var ve *service.ValidationError
	if errors.As(err, &ve) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
