package api

import (
	"errors"
	"net/http"
	"time"

	"LumiCreate-server/models"
	"LumiCreate-server/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// 查询任务状态：GET /v1/api/jobs/:job_id
func GetJob(c *gin.Context) {
	job, err := service.NewJobStore(models.GormDB).Get(c.Param("job_id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found: " + err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// 项目任务列表，支持按状态/类型过滤
func ListJobs(c *gin.Context) {
	projectID := c.Param("project_id")
	var statuses []string
	if s := c.Query("status"); s != "" {
		statuses = []string{s}
	}
	jobs, err := service.NewJobStore(models.GormDB).ListByProject(projectID, statuses, c.Query("type"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// 取消任务。queued 立即生效；running 发协作取消信号，
// 执行器在下一个检查点退出，已产出的资产保留。
func CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if err := jobRegistry.Cancel(jobID); err != nil {
		var ite *service.InvalidStateTransitionError
		if errors.As(err, &ite) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// 重试失败任务：同一任务 id 回到 queued，参数不变
func RetryJob(c *gin.Context) {
	jobID := c.Param("job_id")
	if err := jobRegistry.Retry(jobID); err != nil {
		var ite *service.InvalidStateTransitionError
		if errors.As(err, &ite) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	job, _ := service.NewJobStore(models.GormDB).Get(jobID)
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// 批量重试项目内的失败任务（可选指定 job_ids 子集）
func RetryFailedJobs(c *gin.Context) {
	projectID := c.Param("project_id")
	var req struct {
		JobIds []string `json:"job_ids"`
	}
	_ = c.ShouldBindJSON(&req)

	outcomes, err := jobRegistry.RetryFailed(projectID, req.JobIds)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": outcomes})
}

// 任务进度 WebSocket 推送。以数据库为唯一来源：
// 先推当前快照，之后轮询 DB，状态/进度变化才推送，终态后关闭。
func JobProgressWebSocket(c *gin.Context) {
	jobID := c.Param("job_id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "WebSocket升级失败"})
		return
	}
	defer conn.Close()

	store := service.NewJobStore(models.GormDB)
	job, err := store.Get(jobID)
	if err != nil {
		conn.WriteJSON(map[string]interface{}{"error": "job not found: " + err.Error()})
		return
	}
	_ = conn.WriteJSON(job)
	if models.IsTerminalJobStatus(job.Status) {
		return
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	prevStatus := job.Status
	prevProgress := job.Progress

	for range ticker.C {
		cur, err := store.Get(jobID)
		if err != nil {
			continue
		}
		if cur.Status != prevStatus || cur.Progress != prevProgress {
			if err := conn.WriteJSON(cur); err != nil {
				break
			}
			prevStatus = cur.Status
			prevProgress = cur.Progress
		}
		if models.IsTerminalJobStatus(cur.Status) {
			_ = conn.WriteJSON(cur)
			break
		}
	}
}
