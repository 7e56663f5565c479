package model

// GradingMethod 单次尝试内的评分方式
type GradingMethod int

const (
	GradeScoes   GradingMethod = 0 // 已完成/通过的 SCO 数
	GradeHighest GradingMethod = 1
	GradeAverage GradingMethod = 2
	GradeSum     GradingMethod = 3
)

// AttemptsGrading 多次尝试之间的评分方式
type AttemptsGrading int

const (
	HighestAttempt AttemptsGrading = 0
	AverageAttempt AttemptsGrading = 1
	FirstAttempt   AttemptsGrading = 2
	LastAttempt    AttemptsGrading = 3
)

// SkipView 选项
const (
	SkipViewNever  = 0
	SkipViewFirst  = 1
	SkipViewAlways = 2
)

// swagger:model Scorm
type Scorm struct {
	BaseModel
	CourseID         uint            `gorm:"index;not null" json:"courseId"`
	Name             string          `gorm:"size:255;not null" json:"name"`
	Intro            string          `gorm:"type:text" json:"intro"`
	ScormType        string          `gorm:"size:50;default:'local'" json:"scormType"`
	Reference        string          `gorm:"size:255" json:"reference"`
	PackageURL       string          `gorm:"size:512" json:"packageUrl"`
	Sha1Hash         string          `gorm:"size:40" json:"sha1Hash"`
	Revision         int             `gorm:"default:0" json:"revision"`
	Version          string          `gorm:"size:10;default:'SCORM_1.2'" json:"version"`
	MaxGrade         float64         `gorm:"default:100" json:"maxGrade"`
	GradeMethod      GradingMethod   `gorm:"default:1" json:"gradeMethod"`
	WhatGrade        AttemptsGrading `gorm:"default:0" json:"whatGrade"`
	MaxAttempt       int             `gorm:"default:0" json:"maxAttempt"` // 0 表示不限次数
	ForceCompleted   bool            `gorm:"default:false" json:"forceCompleted"`
	ForceNewAttempt  bool            `gorm:"default:false" json:"forceNewAttempt"`
	LastAttemptLock  bool            `gorm:"default:false" json:"lastAttemptLock"`
	DisplayAttemptStatus int         `gorm:"default:1" json:"displayAttemptStatus"`
	SkipView         int             `gorm:"default:0" json:"skipView"`
	HideBrowse       bool            `gorm:"default:false" json:"hideBrowse"`
	HideToc          int             `gorm:"default:0" json:"hideToc"`
	Auto             bool            `gorm:"default:false" json:"auto"` // SCO 结束后自动进入下一个
	AutoCommit       bool            `gorm:"default:false" json:"autoCommit"`
	Standard         bool            `gorm:"default:true" json:"standard"` // 严格执行 SCORM 1.2 字符串长度限制
	Launch           uint            `gorm:"default:0" json:"launch"`      // 默认入口 SCO
	TimeOpen         int64           `gorm:"default:0" json:"timeOpen"`
	TimeClose        int64           `gorm:"default:0" json:"timeClose"`
}

func (Scorm) TableName() string {
	return "scorms"
}

// Incomplete 判断一组 SCO 状态是否意味着尝试未完成
func StatusIncomplete(status string) bool {
	return status == "" || status == "notattempted" || status == "incomplete" || status == "browsed"
}

// swagger:model ScormSco
type ScormSco struct {
	BaseModel
	ScormID       uint   `gorm:"index;not null" json:"scormId"`
	Organization  string `gorm:"size:255" json:"organization"`
	Parent        string `gorm:"size:255" json:"parent"`
	Identifier    string `gorm:"size:255;not null" json:"identifier"`
	LaunchURL     string `gorm:"size:512" json:"launchUrl"` // 为空表示纯目录节点
	ScormType     string `gorm:"size:10" json:"scormType"`  // sco 或 asset
	Title         string `gorm:"size:255" json:"title"`
	Prerequisites string `gorm:"size:255" json:"prerequisites"` // AICC_SCRIPT 表达式
	MasteryScore  string `gorm:"size:20" json:"masteryScore"`
	MaxTimeAllowed string `gorm:"size:20" json:"maxTimeAllowed"`
	TimeLimitAction string `gorm:"size:30" json:"timeLimitAction"`
	DataFromLMS   string `gorm:"type:text" json:"dataFromLms"`
	SortOrder     int    `gorm:"default:0" json:"sortOrder"`
	IsVisible     bool   `gorm:"default:true" json:"isVisible"`
}

func (ScormSco) TableName() string {
	return "scorm_scoes"
}

// Launchable SCO 是否可被播放
func (s *ScormSco) Launchable() bool {
	return s.LaunchURL != "" && s.ScormType == "sco"
}
