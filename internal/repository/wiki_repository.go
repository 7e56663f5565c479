package repository

import (
	"time"

	"mlearn_addons_backend/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type WikiRepository struct {
	DB *gorm.DB
}

// NewWikiRepository 创建 Wiki 仓库实例
func NewWikiRepository(db *gorm.DB) *WikiRepository {
	return &WikiRepository{DB: db}
}

// FindByID 获取单个 Wiki
func (r *WikiRepository) FindByID(id uint) (*model.Wiki, error) {
	var wiki model.Wiki
	if err := r.DB.First(&wiki, id).Error; err != nil {
		return nil, err
	}
	return &wiki, nil
}

// FindByCourse 获取课程下的全部 Wiki
func (r *WikiRepository) FindByCourse(courseID uint) ([]model.Wiki, error) {
	var wikis []model.Wiki
	err := r.DB.Where("course_id = ?", courseID).Find(&wikis).Error
	return wikis, err
}

// FindSubwiki 按 wiki/分组/用户定位子空间
func (r *WikiRepository) FindSubwiki(wikiID, groupID, userID uint) (*model.WikiSubwiki, error) {
	var subwiki model.WikiSubwiki
	err := r.DB.Where("wiki_id = ? AND group_id = ? AND user_id = ?", wikiID, groupID, userID).
		First(&subwiki).Error
	if err != nil {
		return nil, err
	}
	return &subwiki, nil
}

// GetOrCreateSubwiki 定位子空间，不存在时创建
func (r *WikiRepository) GetOrCreateSubwiki(wikiID, groupID, userID uint) (*model.WikiSubwiki, error) {
	subwiki, err := r.FindSubwiki(wikiID, groupID, userID)
	if err == nil {
		return subwiki, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}
	created := model.WikiSubwiki{WikiID: wikiID, GroupID: groupID, UserID: userID}
	if err := r.DB.Create(&created).Error; err != nil {
		return nil, err
	}
	return &created, nil
}

// FindSubwikiByID 按 ID 获取子空间
func (r *WikiRepository) FindSubwikiByID(id uint) (*model.WikiSubwiki, error) {
	var subwiki model.WikiSubwiki
	if err := r.DB.First(&subwiki, id).Error; err != nil {
		return nil, err
	}
	return &subwiki, nil
}

// FindSubwikis 获取一个 wiki 下的全部子空间
func (r *WikiRepository) FindSubwikis(wikiID uint) ([]model.WikiSubwiki, error) {
	var subwikis []model.WikiSubwiki
	err := r.DB.Where("wiki_id = ?", wikiID).Find(&subwikis).Error
	return subwikis, err
}

// FindPages 获取子空间的全部页面
func (r *WikiRepository) FindPages(subwikiID uint) ([]model.WikiPage, error) {
	var pages []model.WikiPage
	err := r.DB.Where("subwiki_id = ?", subwikiID).Order("title ASC").Find(&pages).Error
	return pages, err
}

// FindPageByTitle 按标题获取页面
func (r *WikiRepository) FindPageByTitle(subwikiID uint, title string) (*model.WikiPage, error) {
	var page model.WikiPage
	err := r.DB.Where("subwiki_id = ? AND title = ?", subwikiID, title).First(&page).Error
	if err != nil {
		return nil, err
	}
	return &page, nil
}

// CreatePage 创建页面
func (r *WikiRepository) CreatePage(page *model.WikiPage) error {
	return r.DB.Create(page).Error
}

// SaveNewPage 把离线新建的页面写入待同步队列，同标题覆盖
func (r *WikiRepository) SaveNewPage(page *model.WikiNewPage) error {
	if page.TimeCreated == 0 {
		page.TimeCreated = time.Now().Unix()
	}
	return r.DB.Clauses(clause.OnConflict{UpdateAll: true}).Create(page).Error
}

// GetNewPages 获取子空间下待同步的离线页面
func (r *WikiRepository) GetNewPages(subwikiID uint) ([]model.WikiNewPage, error) {
	var pages []model.WikiNewPage
	err := r.DB.Where("subwiki_id = ?", subwikiID).Order("time_created ASC").Find(&pages).Error
	return pages, err
}

// GetAllNewPages 获取全部待同步的离线页面
func (r *WikiRepository) GetAllNewPages() ([]model.WikiNewPage, error) {
	var pages []model.WikiNewPage
	err := r.DB.Order("time_created ASC").Find(&pages).Error
	return pages, err
}

// DeleteNewPage 同步成功后移除离线页面
func (r *WikiRepository) DeleteNewPage(subwikiID uint, title string) error {
	return r.DB.Where("subwiki_id = ? AND title = ?", subwikiID, title).
		Delete(&model.WikiNewPage{}).Error
}

// GetNewPage 获取单个离线页面
func (r *WikiRepository) GetNewPage(subwikiID uint, title string) (*model.WikiNewPage, error) {
	var page model.WikiNewPage
	err := r.DB.Where("subwiki_id = ? AND title = ?", subwikiID, title).First(&page).Error
	if err != nil {
		return nil, err
	}
	return &page, nil
}
