package service

import (
	"errors"
	"time"

	"LumiCreate-server/models"

	"gorm.io/gorm"
)

// JobStore 任务持久化契约。UpdateGuarded 的「当前状态匹配才更新」语义
// 是状态机门闩的基础：同一任务不会被两个执行器同时拿走。
type JobStore interface {
	Create(job *models.Job) error
	Get(id string) (*models.Job, error)
	// FindActive 查找同一 段落+类型 的非终态任务（去重用）；没有则返回 nil
	FindActive(projectID, segmentID, jobType string) (*models.Job, error)
	ListByProject(projectID string, statuses []string, jobType string) ([]models.Job, error)
	// UpdateGuarded 仅当任务当前状态在 fromStatuses 中时应用 updates，
	// 返回是否实际更新
	UpdateGuarded(id string, fromStatuses []string, updates map[string]interface{}) (bool, error)
}

type gormJobStore struct {
	db *gorm.DB
}

// NewJobStore 基于 GORM 的默认实现
func NewJobStore(db *gorm.DB) JobStore {
	return &gormJobStore{db: db}
}

func (s *gormJobStore) Create(job *models.Job) error {
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	return s.db.Create(job).Error
}

func (s *gormJobStore) Get(id string) (*models.Job, error) {
	var job models.Job
	if err := s.db.First(&job, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *gormJobStore) FindActive(projectID, segmentID, jobType string) (*models.Job, error) {
	var job models.Job
	err := s.db.
		Where("project_id = ? AND segment_id = ? AND type = ?", projectID, segmentID, jobType).
		Where("status IN ?", []string{models.JobStatusQueued, models.JobStatusRunning}).
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *gormJobStore) ListByProject(projectID string, statuses []string, jobType string) ([]models.Job, error) {
	q := s.db.Where("project_id = ?", projectID)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	if jobType != "" {
		q = q.Where("type = ?", jobType)
	}
	var out []models.Job
	if err := q.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *gormJobStore) UpdateGuarded(id string, fromStatuses []string, updates map[string]interface{}) (bool, error) {
	updates["updated_at"] = time.Now()
	res := s.db.Model(&models.Job{}).
		Where("id = ? AND status IN ?", id, fromStatuses).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
