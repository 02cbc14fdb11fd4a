package models

import (
	"database/sql"
	"log"
	"os"
	"strings"
	"time"

	"LumiCreate-server/config"

	_ "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var DB *sql.DB
var GormDB *gorm.DB

func InitDB() {
	if config.AppConfig == nil {
		log.Fatal("config.AppConfig is nil, call config.InitConfig first")
	}
	dsn := config.AppConfig.MySQL.DSN
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		log.Fatalf("打开数据库失败: %v", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		log.Fatalf("连接数据库失败: %v", err)
	}

	DB = db
	GormDB, err = gorm.Open(mysql.New(mysql.Config{
		Conn: DB,
	}), &gorm.Config{})
	if err != nil {
		log.Fatalf("GORM 初始化失败: %v", err)
	}

	log.Println("数据库连接成功 (Native SQL + GORM)")

	// 自动建表（读取 doc/sql/LumiCreate.sql）
	b, err := os.ReadFile("doc/sql/LumiCreate.sql")
	if err != nil {
		log.Printf("读取 SQL 文件失败（跳过建表）: %v", err)
		return
	}
	sqls := strings.Split(string(b), ";")
	for _, s := range sqls {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, err := DB.Exec(s); err != nil {
			log.Printf("执行建表语句失败: %v ; sql: %s", err, s)
		}
	}
}

// ============================================================================
// Project
// ============================================================================

func CreateProject(db *gorm.DB, p *Project) error {
	now := time.Now()
	p.CreatedAt = now
	p.UpdatedAt = now
	return db.Create(p).Error
}

func GetProjectByID(db *gorm.DB, id string) (*Project, error) {
	var p Project
	if err := db.First(&p, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &p, nil
}

func ListProjects(db *gorm.DB, status string) ([]Project, error) {
	q := db.Order("created_at DESC")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []Project
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func UpdateProjectStatus(db *gorm.DB, id, status string) error {
	return db.Model(&Project{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}).Error
}

func UpdateProjectConfig(db *gorm.DB, id string, cfg ProjectConfig) error {
	return db.Model(&Project{}).Where("id = ?", id).Updates(map[string]interface{}{
		"config":     cfg,
		"updated_at": time.Now(),
	}).Error
}

func DeleteProjectByID(db *gorm.DB, id string) error {
	// 级联删除项目下的所有记录
	if err := db.Delete(&Job{}, "project_id = ?", id).Error; err != nil {
		return err
	}
	if err := db.Delete(&Asset{}, "project_id = ?", id).Error; err != nil {
		return err
	}
	if err := db.Delete(&Segment{}, "project_id = ?", id).Error; err != nil {
		return err
	}
	if err := db.Delete(&Script{}, "project_id = ?", id).Error; err != nil {
		return err
	}
	return db.Delete(&Project{}, "id = ?", id).Error
}

// ============================================================================
// Script
// ============================================================================

func CreateScript(db *gorm.DB, s *Script) error {
	now := time.Now()
	s.CreatedAt = now
	s.UpdatedAt = now
	return db.Create(s).Error
}

func GetScriptByID(db *gorm.DB, id string) (*Script, error) {
	var s Script
	if err := db.First(&s, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func GetLatestScript(db *gorm.DB, projectID string) (*Script, error) {
	var s Script
	if err := db.Where("project_id = ?", projectID).Order("version DESC").First(&s).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// ============================================================================
// Segment
// ============================================================================

func CreateSegment(db *gorm.DB, s *Segment) error {
	now := time.Now()
	s.CreatedAt = now
	s.UpdatedAt = now
	return db.Create(s).Error
}

func BatchCreateSegments(db *gorm.DB, segments []Segment) error {
	if len(segments) == 0 {
		return nil
	}
	return db.Create(&segments).Error
}

func GetSegmentByID(db *gorm.DB, id string) (*Segment, error) {
	var s Segment
	if err := db.First(&s, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

func ListSegmentsByProject(db *gorm.DB, projectID string) ([]Segment, error) {
	var out []Segment
	if err := db.Where("project_id = ?", projectID).Order("order_index ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func UpdateSegment(db *gorm.DB, id string, updates map[string]interface{}) error {
	updates["updated_at"] = time.Now()
	return db.Model(&Segment{}).Where("id = ?", id).Updates(updates).Error
}

func DeleteSegmentsByProject(db *gorm.DB, projectID string) error {
	return db.Delete(&Segment{}, "project_id = ?", projectID).Error
}

func DeleteSegmentByID(db *gorm.DB, id string) error {
	return db.Delete(&Segment{}, "id = ?", id).Error
}

// RenumberSegments 删除/合并后把 order_index 压回连续的 0..n-1
func RenumberSegments(db *gorm.DB, projectID string) error {
	segments, err := ListSegmentsByProject(db, projectID)
	if err != nil {
		return err
	}
	for i, seg := range segments {
		if seg.OrderIndex != i {
			if err := UpdateSegment(db, seg.ID, map[string]interface{}{"order_index": i}); err != nil {
				return err
			}
		}
	}
	return nil
}

// ShiftSegmentOrders 在 afterIndex 之后的段落整体后移 delta（拆分插入用）
func ShiftSegmentOrders(db *gorm.DB, projectID string, afterIndex, delta int) error {
	return db.Model(&Segment{}).
		Where("project_id = ? AND order_index > ?", projectID, afterIndex).
		Updates(map[string]interface{}{
			"order_index": gorm.Expr("order_index + ?", delta),
			"updated_at":  time.Now(),
		}).Error
}

// ============================================================================
// Asset
// ============================================================================

func CreateAsset(db *gorm.DB, a *Asset) error {
	a.CreatedAt = time.Now()
	return db.Create(a).Error
}

func GetAssetByID(db *gorm.DB, id string) (*Asset, error) {
	var a Asset
	if err := db.First(&a, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &a, nil
}

func ListSegmentAssets(db *gorm.DB, segmentID, assetType string) ([]Asset, error) {
	q := db.Where("segment_id = ?", segmentID)
	if assetType != "" {
		q = q.Where("type = ?", assetType)
	}
	var out []Asset
	if err := q.Order("version DESC, created_at DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func ListProjectAssets(db *gorm.DB, projectID, assetType string) ([]Asset, error) {
	q := db.Where("project_id = ?", projectID)
	if assetType != "" {
		q = q.Where("type = ?", assetType)
	}
	var out []Asset
	if err := q.Order("created_at DESC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

// NextAssetVersion 同一段落+类型的版本号单调递增
func NextAssetVersion(db *gorm.DB, segmentID, assetType string) (int, error) {
	var max sql.NullInt64
	err := db.Model(&Asset{}).
		Where("segment_id = ? AND type = ?", segmentID, assetType).
		Select("MAX(version)").Scan(&max).Error
	if err != nil {
		return 0, err
	}
	return int(max.Int64) + 1, nil
}
