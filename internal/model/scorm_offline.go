package model

import (
	"gorm.io/datatypes"
)

// ScormOfflineTrack 离线记录的单个数据模型元素。
// 主键为 (scorm, user, attempt, sco, element) 五元组，写入采用 upsert 语义。
// swagger:model ScormOfflineTrack
type ScormOfflineTrack struct {
	ScormID      uint    `gorm:"primaryKey;autoIncrement:false" json:"scormId"`
	UserID       uint    `gorm:"primaryKey;autoIncrement:false" json:"userId"`
	Attempt      int     `gorm:"primaryKey;autoIncrement:false" json:"attempt"`
	ScoID        uint    `gorm:"primaryKey;autoIncrement:false" json:"scoId"`
	Element      string  `gorm:"primaryKey;size:255" json:"element"`
	Value        *string `gorm:"type:text" json:"value"`
	TimeModified int64   `gorm:"not null" json:"timeModified"`
	Synced       bool    `gorm:"default:false;index" json:"synced"`
}

func (ScormOfflineTrack) TableName() string {
	return "scorm_offline_tracks"
}

// ValueString 返回元素值，空指针按空字符串处理
func (t *ScormOfflineTrack) ValueString() string {
	if t.Value == nil {
		return ""
	}
	return *t.Value
}

// ScormOfflineAttempt 离线尝试的元数据。
// Snapshot 保存创建尝试时的全量用户数据，用于同步时判断与服务器数据是否分叉。
// swagger:model ScormOfflineAttempt
type ScormOfflineAttempt struct {
	ScormID      uint           `gorm:"primaryKey;autoIncrement:false" json:"scormId"`
	UserID       uint           `gorm:"primaryKey;autoIncrement:false" json:"userId"`
	Attempt      int            `gorm:"primaryKey;autoIncrement:false" json:"attempt"`
	CourseID     uint           `gorm:"index" json:"courseId"`
	TimeCreated  int64          `gorm:"not null" json:"timeCreated"`
	TimeModified int64          `gorm:"not null" json:"timeModified"`
	Snapshot     datatypes.JSON `json:"snapshot,omitempty"`
}

func (ScormOfflineAttempt) TableName() string {
	return "scorm_offline_attempts"
}

// HasSnapshot 是否保存了快照
func (a *ScormOfflineAttempt) HasSnapshot() bool {
	return len(a.Snapshot) > 0 && string(a.Snapshot) != "null"
}

// AttemptCount 在线与离线尝试的合并视图
type AttemptCount struct {
	Online      []int `json:"online"`
	Offline     []int `json:"offline"`
	Total       int   `json:"total"`
	LastAttempt struct {
		Number  int  `json:"number"`
		Offline bool `json:"offline"`
	} `json:"lastAttempt"`
}
