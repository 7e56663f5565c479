package model

// swagger:model Wiki
type Wiki struct {
	BaseModel
	CourseID  uint   `gorm:"index;not null" json:"courseId"`
	Name      string `gorm:"size:255;not null" json:"name"`
	Intro     string `gorm:"type:text" json:"intro"`
	FirstPage string `gorm:"size:255;default:'First page'" json:"firstPage"`
	WikiMode  string `gorm:"size:20;default:'collaborative'" json:"wikiMode"`
}

func (Wiki) TableName() string {
	return "wikis"
}

// WikiSubwiki 一个 wiki 按分组/用户划分的子空间
// swagger:model WikiSubwiki
type WikiSubwiki struct {
	BaseModel
	WikiID  uint `gorm:"index;not null" json:"wikiId"`
	GroupID uint `gorm:"default:0" json:"groupId"`
	UserID  uint `gorm:"default:0" json:"userId"`
}

func (WikiSubwiki) TableName() string {
	return "wiki_subwikis"
}

// swagger:model WikiPage
type WikiPage struct {
	BaseModel
	SubwikiID     uint   `gorm:"index;not null" json:"subwikiId"`
	Title         string `gorm:"size:255;not null" json:"title"`
	CachedContent string `gorm:"type:text" json:"cachedContent"`
	AuthorID      uint   `json:"authorId"`
	TimeRendered  int64  `json:"timeRendered"`
}

func (WikiPage) TableName() string {
	return "wiki_pages"
}

// WikiNewPage 离线排队等待同步的新建页面。
// 同一 subwiki 下标题唯一，联网后由同步服务推送。
// swagger:model WikiNewPage
type WikiNewPage struct {
	SubwikiID   uint   `gorm:"primaryKey;autoIncrement:false" json:"subwikiId"`
	Title       string `gorm:"primaryKey;size:255" json:"title"`
	WikiID      uint   `gorm:"index" json:"wikiId"`
	UserID      uint   `gorm:"index" json:"userId"`
	GroupID     uint   `gorm:"default:0" json:"groupId"`
	Content     string `gorm:"type:text" json:"content"`
	TimeCreated int64  `gorm:"not null" json:"timeCreated"`
}

func (WikiNewPage) TableName() string {
	return "wiki_new_pages"
}
