package routers

import (
	"LumiCreate-server/routers/api"

	"github.com/gin-gonic/gin"
)

func InitRouter() *gin.Engine {
	r := gin.Default()
	r.Static("/static", "./storage")
	v1 := r.Group("/v1/api")
	{
		v1.POST("/projects", api.CreateProject)
		v1.GET("/projects", api.ListProjects)
		v1.GET("/projects/:project_id", api.GetProject)
		v1.GET("/projects/:project_id/summary", api.GetProjectSummary)
		v1.PUT("/projects/:project_id/config", api.UpdateProjectConfig)
		v1.DELETE("/projects/:project_id", api.DeleteProject)
		v1.POST("/projects/:project_id/ai-fill", api.AIFillConfig)

		v1.POST("/projects/:project_id/script/generate", api.GenerateScript)
		v1.POST("/projects/:project_id/script", api.SaveScript)
		v1.GET("/projects/:project_id/script", api.GetLatestScript)
		v1.POST("/projects/:project_id/script/parse", api.ParseScript)

		v1.GET("/projects/:project_id/segments", api.ListSegments)
		v1.POST("/projects/:project_id/segments/reorder", api.ReorderSegments)
		v1.GET("/segments/:segment_id", api.GetSegment)
		v1.PUT("/segments/:segment_id", api.UpdateSegment)
		v1.DELETE("/segments/:segment_id", api.DeleteSegment)
		v1.POST("/segments/:segment_id/split", api.SplitSegment)
		v1.POST("/segments/:segment_id/merge", api.MergeSegment)

		v1.POST("/segments/:segment_id/images/generate", api.GenerateSegmentImages)
		v1.GET("/segments/:segment_id/images", api.ListSegmentImages)
		v1.POST("/segments/:segment_id/images/select", api.SelectSegmentImage)
		v1.POST("/segments/:segment_id/audio/generate", api.GenerateSegmentAudio)
		v1.POST("/projects/:project_id/images/generate-all", api.GenerateAllImages)
		v1.POST("/projects/:project_id/audio/generate-all", api.GenerateAllAudio)

		v1.POST("/projects/:project_id/compose", api.ComposeVideo)

		v1.GET("/jobs/:job_id", api.GetJob)
		v1.GET("/projects/:project_id/jobs", api.ListJobs)
		v1.POST("/jobs/:job_id/cancel", api.CancelJob)
		v1.POST("/jobs/:job_id/retry", api.RetryJob)
		v1.POST("/projects/:project_id/jobs/retry-failed", api.RetryFailedJobs)
	}
	r.GET("/jobs/:job_id/wss", api.JobProgressWebSocket)
	return r
}
