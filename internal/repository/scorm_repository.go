package repository

import (
	"mlearn_addons_backend/internal/model"

	"gorm.io/gorm"
)

type ScormRepository struct {
	DB *gorm.DB
}

// NewScormRepository 创建 SCORM 活动仓库实例
func NewScormRepository(db *gorm.DB) *ScormRepository {
	return &ScormRepository{DB: db}
}

// FindByID 获取单个 SCORM 活动
func (r *ScormRepository) FindByID(id uint) (*model.Scorm, error) {
	var s model.Scorm
	if err := r.DB.First(&s, id).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// FindByCourse 获取课程下的全部 SCORM 活动
func (r *ScormRepository) FindByCourse(courseID uint) ([]model.Scorm, error) {
	var scorms []model.Scorm
	err := r.DB.Where("course_id = ?", courseID).Order("id ASC").Find(&scorms).Error
	return scorms, err
}

// Create 创建 SCORM 活动
func (r *ScormRepository) Create(s *model.Scorm) error {
	return r.DB.Create(s).Error
}

// Update 更新 SCORM 活动
func (r *ScormRepository) Update(s *model.Scorm) error {
	return r.DB.Save(s).Error
}

// FindScos 获取 SCORM 的全部 SCO，按组织结构排序
func (r *ScormRepository) FindScos(scormID uint) ([]model.ScormSco, error) {
	var scos []model.ScormSco
	err := r.DB.Where("scorm_id = ?", scormID).
		Order("sort_order ASC, id ASC").Find(&scos).Error
	return scos, err
}

// FindSco 获取单个 SCO
func (r *ScormRepository) FindSco(scoID uint) (*model.ScormSco, error) {
	var sco model.ScormSco
	if err := r.DB.First(&sco, scoID).Error; err != nil {
		return nil, err
	}
	return &sco, nil
}

// CreateScos 批量写入 SCO（解析 manifest 后调用）
func (r *ScormRepository) CreateScos(scos []model.ScormSco) error {
	if len(scos) == 0 {
		return nil
	}
	return r.DB.Create(&scos).Error
}

// DeleteScos 删除 SCORM 的全部 SCO（包重新解析前调用）
func (r *ScormRepository) DeleteScos(scormID uint) error {
	return r.DB.Where("scorm_id = ?", scormID).Delete(&model.ScormSco{}).Error
}
