package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"LumiCreate-server/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memJobStore 内存实现，供状态机测试（语义与 gormJobStore 对齐）
type memJobStore struct {
	mu   sync.Mutex
	jobs map[string]*models.Job
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: map[string]*models.Job{}}
}

func (s *memJobStore) Create(job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *memJobStore) Get(id string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, errors.New("record not found")
	}
	cp := *job
	return &cp, nil
}

func (s *memJobStore) FindActive(projectID, segmentID, jobType string) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.ProjectId == projectID && job.SegmentId == segmentID && job.Type == jobType &&
			!models.IsTerminalJobStatus(job.Status) {
			cp := *job
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *memJobStore) ListByProject(projectID string, statuses []string, jobType string) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Job
	for _, job := range s.jobs {
		if job.ProjectId != projectID {
			continue
		}
		if jobType != "" && job.Type != jobType {
			continue
		}
		if len(statuses) > 0 {
			matched := false
			for _, st := range statuses {
				if job.Status == st {
					matched = true
					break
				}
			}
			if !matched {
				continue
			}
		}
		out = append(out, *job)
	}
	return out, nil
}

func (s *memJobStore) UpdateGuarded(id string, fromStatuses []string, updates map[string]interface{}) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return false, nil
	}
	matched := false
	for _, st := range fromStatuses {
		if job.Status == st {
			matched = true
			break
		}
	}
	if !matched {
		return false, nil
	}
	for k, v := range updates {
		switch k {
		case "status":
			job.Status = v.(string)
		case "progress":
			job.Progress = v.(int)
		case "error":
			job.Error = v.(string)
		case "result":
			job.Result = v.(models.JobResult)
		case "started_at":
			job.StartedAt, _ = v.(*time.Time)
		case "finished_at":
			job.FinishedAt, _ = v.(*time.Time)
		}
	}
	job.UpdatedAt = time.Now()
	return true, nil
}

func newTestRegistry() (*Registry, *memJobStore) {
	store := newMemJobStore()
	return NewRegistryWith(store, nil, nil), store
}

func imageParams() models.JobParams {
	return models.JobParams{Image: &models.ImageGenParams{Prompt: "山间晨雾", SceneIndex: 0, Count: 3}}
}

func TestEnqueueValidation(t *testing.T) {
	r, _ := newTestRegistry()

	_, _, err := r.Enqueue(models.JobTypeImageGen, "p1", "s1", models.JobParams{})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)

	_, _, err = r.Enqueue("no_such_type", "p1", "s1", models.JobParams{})
	require.ErrorAs(t, err, &ve)
}

func TestEnqueueDedupe(t *testing.T) {
	r, _ := newTestRegistry()

	job1, existing, err := r.Enqueue(models.JobTypeImageGen, "p1", "s1", imageParams())
	require.NoError(t, err)
	assert.False(t, existing)

	// 同一 段落+类型 已有非终态任务，返回同一个任务
	job2, existing, err := r.Enqueue(models.JobTypeImageGen, "p1", "s1", imageParams())
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, job1.ID, job2.ID)

	// running 仍去重
	require.NoError(t, r.Start(job1.ID))
	job3, existing, err := r.Enqueue(models.JobTypeImageGen, "p1", "s1", imageParams())
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, job1.ID, job3.ID)

	// 不同类型不受影响
	_, existing, err = r.Enqueue(models.JobTypeAudioGen, "p1", "s1",
		models.JobParams{Audio: &models.AudioGenParams{Text: "旁白"}})
	require.NoError(t, err)
	assert.False(t, existing)

	// 终态后可再次入队为新任务
	require.NoError(t, r.Complete(job1.ID, models.JobResult{}))
	job4, existing, err := r.Enqueue(models.JobTypeImageGen, "p1", "s1", imageParams())
	require.NoError(t, err)
	assert.False(t, existing)
	assert.NotEqual(t, job1.ID, job4.ID)
}

// slowFindActiveStore 给去重查询加一次「数据库往返」的延迟，
// 放大检查与建任务之间的窗口
type slowFindActiveStore struct {
	*memJobStore
}

func (s *slowFindActiveStore) FindActive(projectID, segmentID, jobType string) (*models.Job, error) {
	time.Sleep(time.Millisecond)
	return s.memJobStore.FindActive(projectID, segmentID, jobType)
}

func TestEnqueueConcurrentDedupe(t *testing.T) {
	store := &slowFindActiveStore{newMemJobStore()}
	r := NewRegistryWith(store, nil, nil)

	const workers = 8
	jobs := make([]*models.Job, workers)
	existing := make([]bool, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			jobs[i], existing[i], errs[i] = r.Enqueue(models.JobTypeImageGen, "p1", "s1", imageParams())
		}(i)
	}
	wg.Wait()
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
	}

	// 同一 段落+类型 并发入队只建一个任务，其余全部命中去重
	created := 0
	for i := 0; i < workers; i++ {
		if !existing[i] {
			created++
		}
		assert.Equal(t, jobs[0].ID, jobs[i].ID)
	}
	assert.Equal(t, 1, created)

	active, err := store.ListByProject("p1", []string{models.JobStatusQueued, models.JobStatusRunning}, models.JobTypeImageGen)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestLifecycleTransitions(t *testing.T) {
	r, store := newTestRegistry()
	job, _, err := r.Enqueue(models.JobTypeImageGen, "p1", "s1", imageParams())
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)

	require.NoError(t, r.Start(job.ID))
	cur, _ := store.Get(job.ID)
	assert.Equal(t, models.JobStatusRunning, cur.Status)
	assert.NotNil(t, cur.StartedAt)

	// 二次领取被拒绝
	err = r.Start(job.ID)
	var ite *InvalidStateTransitionError
	require.ErrorAs(t, err, &ite)
	assert.Equal(t, models.JobStatusRunning, ite.From)

	require.NoError(t, r.Complete(job.ID, models.JobResult{AssetIds: []string{"a1"}}))
	cur, _ = store.Get(job.ID)
	assert.Equal(t, models.JobStatusSucceeded, cur.Status)
	assert.Equal(t, 100, cur.Progress)
	assert.NotNil(t, cur.FinishedAt)

	// 终态不可再变
	assert.Error(t, r.Fail(job.ID, "late"))
	assert.Error(t, r.Start(job.ID))
}

func TestFailAndRetry(t *testing.T) {
	r, store := newTestRegistry()
	job, _, _ := r.Enqueue(models.JobTypeImageGen, "p1", "s1", imageParams())
	require.NoError(t, r.Start(job.ID))
	require.NoError(t, r.ReportProgress(job.ID, 60))
	require.NoError(t, r.Fail(job.ID, "engine timeout"))

	cur, _ := store.Get(job.ID)
	assert.Equal(t, models.JobStatusFailed, cur.Status)
	assert.Equal(t, "engine timeout", cur.Error)

	// 重试：同一任务 id，进度清零、错误清空、参数不动
	require.NoError(t, r.Retry(job.ID))
	cur, _ = store.Get(job.ID)
	assert.Equal(t, models.JobStatusQueued, cur.Status)
	assert.Equal(t, 0, cur.Progress)
	assert.Empty(t, cur.Error)
	assert.Nil(t, cur.StartedAt)
	assert.Nil(t, cur.FinishedAt)
	assert.Equal(t, "山间晨雾", cur.Params.Image.Prompt)

	// queued 状态不可重试
	var ite *InvalidStateTransitionError
	require.ErrorAs(t, r.Retry(job.ID), &ite)

	// 第二轮执行成功
	require.NoError(t, r.Start(job.ID))
	require.NoError(t, r.Complete(job.ID, models.JobResult{}))
	cur, _ = store.Get(job.ID)
	assert.Equal(t, models.JobStatusSucceeded, cur.Status)
}

func TestReportProgress(t *testing.T) {
	r, store := newTestRegistry()
	job, _, _ := r.Enqueue(models.JobTypeImageGen, "p1", "s1", imageParams())

	// 非 running 拒绝
	assert.Error(t, r.ReportProgress(job.ID, 10))

	require.NoError(t, r.Start(job.ID))
	require.NoError(t, r.ReportProgress(job.ID, 50))

	// 回退被钳住而不是报错
	require.NoError(t, r.ReportProgress(job.ID, 30))
	cur, _ := store.Get(job.ID)
	assert.Equal(t, 50, cur.Progress)

	// 越界钳到 [0,100]
	require.NoError(t, r.ReportProgress(job.ID, 150))
	cur, _ = store.Get(job.ID)
	assert.Equal(t, 100, cur.Progress)
}

func TestCancelQueued(t *testing.T) {
	r, store := newTestRegistry()
	job, _, _ := r.Enqueue(models.JobTypeImageGen, "p1", "s1", imageParams())

	require.NoError(t, r.Cancel(job.ID))
	cur, _ := store.Get(job.ID)
	assert.Equal(t, models.JobStatusCanceled, cur.Status)

	// canceled 不可重试、不可取消
	var ite *InvalidStateTransitionError
	require.ErrorAs(t, r.Retry(job.ID), &ite)
	require.ErrorAs(t, r.Cancel(job.ID), &ite)
}

func TestCancelRunningCooperative(t *testing.T) {
	r, store := newTestRegistry()
	job, _, _ := r.Enqueue(models.JobTypeImageGen, "p1", "s1", imageParams())
	require.NoError(t, r.Start(job.ID))

	// 执行器注册了取消令牌：Cancel 只发信号，状态仍是 running
	ctx, cancel := context.WithCancel(context.Background())
	RegisterJobCancel(job.ID, cancel)
	require.NoError(t, r.Cancel(job.ID))

	cur, _ := store.Get(job.ID)
	assert.Equal(t, models.JobStatusRunning, cur.Status)
	assert.Error(t, ctx.Err())

	// 执行器观察到信号后落库
	require.NoError(t, r.CancelObserved(job.ID))
	cur, _ = store.Get(job.ID)
	assert.Equal(t, models.JobStatusCanceled, cur.Status)
}

func TestCancelRunningWithoutToken(t *testing.T) {
	r, store := newTestRegistry()
	job, _, _ := r.Enqueue(models.JobTypeImageGen, "p1", "s1", imageParams())
	require.NoError(t, r.Start(job.ID))

	// 本进程没有执行器令牌，直接落库兜底
	require.NoError(t, r.Cancel(job.ID))
	cur, _ := store.Get(job.ID)
	assert.Equal(t, models.JobStatusCanceled, cur.Status)
}

func TestRetryFailedBatch(t *testing.T) {
	r, store := newTestRegistry()

	var ids []string
	for i := 0; i < 3; i++ {
		job, _, _ := r.Enqueue(models.JobTypeImageGen, "p1", "s"+string(rune('1'+i)), imageParams())
		require.NoError(t, r.Start(job.ID))
		require.NoError(t, r.Fail(job.ID, "boom"))
		ids = append(ids, job.ID)
	}

	outcomes, err := r.RetryFailed("p1", nil)
	require.NoError(t, err)
	assert.Len(t, outcomes, 3)
	for _, o := range outcomes {
		assert.Empty(t, o.Error)
		cur, _ := store.Get(o.JobID)
		assert.Equal(t, models.JobStatusQueued, cur.Status)
	}
	_ = ids
}

func TestGenerateAllImagesFanOut(t *testing.T) {
	store := newMemJobStore()
	segments := []models.Segment{
		{ID: "s1", ProjectId: "p1", NarrationText: "第一段", VisualPrompts: models.StringList{"提示甲", "提示乙"}},
		{ID: "s2", ProjectId: "p1", NarrationText: "第二段"},
	}
	r := NewRegistryWith(store, nil, func(string) ([]models.Segment, error) {
		return segments, nil
	})

	outcomes, err := r.GenerateAllImages("p1", nil, models.ImageConfig{CandidateCount: 2})
	require.NoError(t, err)
	// s1 两个场景 + s2 单场景
	assert.Len(t, outcomes, 3)
	for _, o := range outcomes {
		assert.Empty(t, o.Error)
		assert.NotEmpty(t, o.JobID)
	}

	// 再次扇出全部命中去重
	outcomes, err = r.GenerateAllImages("p1", nil, models.ImageConfig{CandidateCount: 2})
	require.NoError(t, err)
	for _, o := range outcomes {
		assert.True(t, o.Existing)
	}
}
