package service

import (
	"log"
	"sync"
	"time"

	"LumiCreate-server/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Registry 任务生命周期的唯一入口。所有状态迁移都经由
// JobStore.UpdateGuarded 的条件更新完成，保证同一任务
// 任何时刻至多一个活跃执行器。
type Registry struct {
	store JobStore
	// 去重检查与建任务之间必须串行，否则并发入队会为同一
	// 段落+类型 建出多个活跃任务（idx_job_active 不是唯一索引）
	mu sync.Mutex
	// 任务入队后推入 asynq；测试中可注入空实现
	enqueue func(jobID string) error
	// 批量操作需要枚举项目段落
	listSegments func(projectID string) ([]models.Segment, error)
}

func NewRegistry(db *gorm.DB) *Registry {
	return &Registry{
		store:   NewJobStore(db),
		enqueue: EnqueueJob,
		listSegments: func(projectID string) ([]models.Segment, error) {
			return models.ListSegmentsByProject(db, projectID)
		},
	}
}

// NewRegistryWith 注入依赖的构造（测试用）
func NewRegistryWith(store JobStore, enqueue func(string) error, listSegments func(string) ([]models.Segment, error)) *Registry {
	if enqueue == nil {
		enqueue = func(string) error { return nil }
	}
	return &Registry{store: store, enqueue: enqueue, listSegments: listSegments}
}

// validateParams 按任务类型校验必填参数
func validateParams(jobType string, params models.JobParams) error {
	switch jobType {
	case models.JobTypeScriptGen:
		if params.Script == nil || params.Script.Topic == "" {
			return &ValidationError{Field: "script.topic", Reason: "required for script generation"}
		}
	case models.JobTypeScriptParse:
		if params.Parse == nil || params.Parse.ScriptId == "" {
			return &ValidationError{Field: "parse.script_id", Reason: "required for script parse"}
		}
	case models.JobTypeImageGen:
		if params.Image == nil || params.Image.Prompt == "" {
			return &ValidationError{Field: "image.prompt", Reason: "required for image generation"}
		}
	case models.JobTypeAudioGen:
		if params.Audio == nil || params.Audio.Text == "" {
			return &ValidationError{Field: "audio.text", Reason: "required for audio generation"}
		}
	case models.JobTypeVideoCompose:
		// 无必填参数
	case models.JobTypeAIFill:
		if params.AIFill == nil || params.AIFill.Description == "" {
			return &ValidationError{Field: "ai_fill.description", Reason: "required for config fill"}
		}
	default:
		return &ValidationError{Field: "type", Reason: "unknown job type: " + jobType}
	}
	return nil
}

// Enqueue 创建 queued 任务。同一 段落+类型 已有非终态任务时不建重复，
// 直接返回已有任务（existing=true）。
func (r *Registry) Enqueue(jobType, projectID, segmentID string, params models.JobParams) (*models.Job, bool, error) {
	if err := validateParams(jobType, params); err != nil {
		return nil, false, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if segmentID != "" {
		active, err := r.store.FindActive(projectID, segmentID, jobType)
		if err != nil {
			return nil, false, err
		}
		if active != nil {
			return active, true, nil
		}
	}

	job := &models.Job{
		ID:        uuid.NewString(),
		ProjectId: projectID,
		SegmentId: segmentID,
		Type:      jobType,
		Status:    models.JobStatusQueued,
		Progress:  0,
		Params:    params,
	}
	if err := r.store.Create(job); err != nil {
		return nil, false, err
	}
	if err := r.enqueue(job.ID); err != nil {
		log.Printf("[Registry] 任务入队失败 job=%s: %v", job.ID, err)
	}
	return job, false, nil
}

// Start queued -> running。不在 queued 则拒绝（防止二次派发）。
func (r *Registry) Start(jobID string) error {
	now := time.Now()
	ok, err := r.store.UpdateGuarded(jobID, []string{models.JobStatusQueued}, map[string]interface{}{
		"status":     models.JobStatusRunning,
		"started_at": &now,
		"progress":   0,
	})
	if err != nil {
		return err
	}
	if !ok {
		return r.transitionError(jobID, models.JobStatusRunning)
	}
	return nil
}

// ReportProgress 仅 running 有效；回退的百分比被钳住而不是报错
// （进度只是展示信号，不参与正确性）。
func (r *Registry) ReportProgress(jobID string, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	job, err := r.store.Get(jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusRunning {
		return &InvalidStateTransitionError{JobID: jobID, From: job.Status, To: models.JobStatusRunning}
	}
	if percent < job.Progress {
		percent = job.Progress
	}
	_, err = r.store.UpdateGuarded(jobID, []string{models.JobStatusRunning}, map[string]interface{}{
		"progress": percent,
	})
	return err
}

// Complete running -> succeeded
func (r *Registry) Complete(jobID string, result models.JobResult) error {
	now := time.Now()
	ok, err := r.store.UpdateGuarded(jobID, []string{models.JobStatusRunning}, map[string]interface{}{
		"status":      models.JobStatusSucceeded,
		"progress":    100,
		"result":      result,
		"finished_at": &now,
	})
	if err != nil {
		return err
	}
	if !ok {
		return r.transitionError(jobID, models.JobStatusSucceeded)
	}
	return nil
}

// Fail running -> failed。错误信息原样保留给用户展示，绝不自动重试。
func (r *Registry) Fail(jobID string, errMsg string) error {
	now := time.Now()
	ok, err := r.store.UpdateGuarded(jobID, []string{models.JobStatusRunning}, map[string]interface{}{
		"status":      models.JobStatusFailed,
		"error":       errMsg,
		"finished_at": &now,
	})
	if err != nil {
		return err
	}
	if !ok {
		return r.transitionError(jobID, models.JobStatusFailed)
	}
	return nil
}

// Cancel queued/running -> canceled。queued 直接落库；running 只发
// 协作取消信号，待执行器在检查点观察到后经 CancelObserved 落库。
func (r *Registry) Cancel(jobID string) error {
	ok, err := r.store.UpdateGuarded(jobID, []string{models.JobStatusQueued}, map[string]interface{}{
		"status":      models.JobStatusCanceled,
		"finished_at": ptrNow(),
	})
	if err != nil {
		return err
	}
	if ok {
		return nil
	}

	job, err := r.store.Get(jobID)
	if err != nil {
		return err
	}
	if job.Status != models.JobStatusRunning {
		return &InvalidStateTransitionError{JobID: jobID, From: job.Status, To: models.JobStatusCanceled}
	}
	if !SignalJobCancel(jobID) {
		// 执行器不在本进程（或已退出），直接落库兜底
		_, err = r.store.UpdateGuarded(jobID, []string{models.JobStatusRunning}, map[string]interface{}{
			"status":      models.JobStatusCanceled,
			"finished_at": ptrNow(),
		})
		return err
	}
	return nil
}

// CancelObserved 执行器观察到取消信号后调用，running -> canceled
func (r *Registry) CancelObserved(jobID string) error {
	_, err := r.store.UpdateGuarded(jobID, []string{models.JobStatusRunning}, map[string]interface{}{
		"status":      models.JobStatusCanceled,
		"finished_at": ptrNow(),
	})
	return err
}

// Retry failed -> queued。同一任务 id，进度清零、错误清空、参数不动。
// 与 Enqueue 共用互斥锁：failed 在去重里算终态，复活必须与
// 去重检查串行，否则可能与新建任务并发出两个活跃任务。
func (r *Registry) Retry(jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ok, err := r.store.UpdateGuarded(jobID, []string{models.JobStatusFailed}, map[string]interface{}{
		"status":      models.JobStatusQueued,
		"progress":    0,
		"error":       "",
		"started_at":  (*time.Time)(nil),
		"finished_at": (*time.Time)(nil),
	})
	if err != nil {
		return err
	}
	if !ok {
		return r.transitionError(jobID, models.JobStatusQueued)
	}
	if err := r.enqueue(jobID); err != nil {
		log.Printf("[Registry] 重试任务入队失败 job=%s: %v", jobID, err)
	}
	return nil
}

// BatchOutcome 批量操作的单项结果
type BatchOutcome struct {
	JobID     string `json:"job_id,omitempty"`
	SegmentID string `json:"segment_id,omitempty"`
	Existing  bool   `json:"existing,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RetryFailed 重试项目内失败任务。纯扇出：单项失败不影响其他项。
func (r *Registry) RetryFailed(projectID string, jobIDs []string) ([]BatchOutcome, error) {
	failed, err := r.store.ListByProject(projectID, []string{models.JobStatusFailed}, "")
	if err != nil {
		return nil, err
	}
	wanted := map[string]bool{}
	for _, id := range jobIDs {
		wanted[id] = true
	}
	var outcomes []BatchOutcome
	for _, job := range failed {
		if len(wanted) > 0 && !wanted[job.ID] {
			continue
		}
		o := BatchOutcome{JobID: job.ID, SegmentID: job.SegmentId}
		if err := r.Retry(job.ID); err != nil {
			o.Error = err.Error()
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, nil
}

// GenerateAllImages 为项目内段落批量创建图片生成任务
// （segmentIDs 为空时取全部段落的首个场景）
func (r *Registry) GenerateAllImages(projectID string, segmentIDs []string, imgCfg models.ImageConfig) ([]BatchOutcome, error) {
	segments, err := r.listSegments(projectID)
	if err != nil {
		return nil, err
	}
	wanted := map[string]bool{}
	for _, id := range segmentIDs {
		wanted[id] = true
	}
	var outcomes []BatchOutcome
	for _, seg := range segments {
		if len(wanted) > 0 && !wanted[seg.ID] {
			continue
		}
		for scene := 0; scene < seg.SceneCount(); scene++ {
			prompt := seg.ScenePrompt(scene)
			if prompt == "" {
				prompt = seg.NarrationText
			}
			o := BatchOutcome{SegmentID: seg.ID}
			job, existing, err := r.Enqueue(models.JobTypeImageGen, projectID, seg.ID, models.JobParams{
				Image: &models.ImageGenParams{
					Prompt:     prompt,
					SceneIndex: scene,
					Count:      imgCfg.CandidateCount,
					Width:      imgCfg.Width,
					Height:     imgCfg.Height,
					Engine:     imgCfg.Engine,
					Style:      imgCfg.Style,
				},
			})
			if err != nil {
				o.Error = err.Error()
			} else {
				o.JobID = job.ID
				o.Existing = existing
			}
			outcomes = append(outcomes, o)
		}
	}
	return outcomes, nil
}

// GenerateAllAudio 为项目内段落批量创建配音任务
func (r *Registry) GenerateAllAudio(projectID string, segmentIDs []string, ttsCfg models.TTSConfig) ([]BatchOutcome, error) {
	segments, err := r.listSegments(projectID)
	if err != nil {
		return nil, err
	}
	wanted := map[string]bool{}
	for _, id := range segmentIDs {
		wanted[id] = true
	}
	var outcomes []BatchOutcome
	for _, seg := range segments {
		if len(wanted) > 0 && !wanted[seg.ID] {
			continue
		}
		o := BatchOutcome{SegmentID: seg.ID}
		job, existing, err := r.Enqueue(models.JobTypeAudioGen, projectID, seg.ID, models.JobParams{
			Audio: &models.AudioGenParams{
				Text:       seg.NarrationText,
				Voice:      ttsCfg.Voice,
				Lang:       ttsCfg.Lang,
				SampleRate: ttsCfg.SampleRate,
				Format:     ttsCfg.Format,
				Speed:      ttsCfg.Speed,
			},
		})
		if err != nil {
			o.Error = err.Error()
		} else {
			o.JobID = job.ID
			o.Existing = existing
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, nil
}

func (r *Registry) transitionError(jobID, to string) error {
	from := "unknown"
	if job, err := r.store.Get(jobID); err == nil {
		from = job.Status
	}
	return &InvalidStateTransitionError{JobID: jobID, From: from, To: to}
}

func ptrNow() *time.Time {
	now := time.Now()
	return &now
}
