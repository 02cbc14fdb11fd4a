package api

import (
	"net/http"

	"LumiCreate-server/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// 生成文案：入队 script_generation 任务
func GenerateScript(c *gin.Context) {
	projectID := c.Param("project_id")
	var req struct {
		Topic       string `json:"topic"`
		Style       string `json:"style"`
		TargetWords int    `json:"target_words"`
		Streaming   bool   `json:"streaming"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	project, err := models.GetProjectByID(models.GormDB, projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}
	// 请求未带的字段回落到项目配置
	if req.Topic == "" {
		req.Topic = project.Config.Script.Topic
	}
	if req.Style == "" {
		req.Style = project.Config.Script.Style
	}
	if req.TargetWords <= 0 {
		req.TargetWords = project.Config.Script.TargetWords
	}

	job, existing, err := jobRegistry.Enqueue(models.JobTypeScriptGen, projectID, "", models.JobParams{
		Script: &models.ScriptGenParams{
			Topic:       req.Topic,
			Style:       req.Style,
			TargetWords: req.TargetWords,
			Streaming:   req.Streaming,
		},
	})
	if err != nil {
		respondEnqueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job, "existing": existing})
}

// 手动保存文案（用户自带文案跳过生成）
func SaveScript(c *gin.Context) {
	projectID := c.Param("project_id")
	var req struct {
		RawText string `json:"raw_text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, err := models.GetProjectByID(models.GormDB, projectID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "项目未找到: " + err.Error()})
		return
	}

	version := 1
	if latest, err := models.GetLatestScript(models.GormDB, projectID); err == nil {
		version = latest.Version + 1
	}
	script := &models.Script{
		ID:        uuid.NewString(),
		ProjectId: projectID,
		RawText:   req.RawText,
		WordCount: len([]rune(req.RawText)),
		Version:   version,
	}
	if err := models.CreateScript(models.GormDB, script); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "保存文案失败: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"script": script})
}

// 获取最新版文案
func GetLatestScript(c *gin.Context) {
	projectID := c.Param("project_id")
	script, err := models.GetLatestScript(models.GormDB, projectID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "文案未找到: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"script": script})
}

// 解析文案为段落：入队 script_parse 任务。
// 解析会替换现有段落（选图/配音随之作废），由调用方确认后再发起。
func ParseScript(c *gin.Context) {
	projectID := c.Param("project_id")
	var req struct {
		ScriptId string `json:"script_id"`
	}
	_ = c.ShouldBindJSON(&req)

	if req.ScriptId == "" {
		latest, err := models.GetLatestScript(models.GormDB, projectID)
		if err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "项目没有可解析的文案"})
			return
		}
		req.ScriptId = latest.ID
	}

	job, existing, err := jobRegistry.Enqueue(models.JobTypeScriptParse, projectID, "", models.JobParams{
		Parse: &models.ScriptParseParams{ScriptId: req.ScriptId},
	})
	if err != nil {
		respondEnqueueError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job, "existing": existing})
}
