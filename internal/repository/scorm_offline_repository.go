package repository

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"mlearn_addons_backend/internal/model"
	"mlearn_addons_backend/internal/scorm"
	"mlearn_addons_backend/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ScormOfflineRepository struct {
	DB *gorm.DB
}

// NewScormOfflineRepository 创建离线跟踪数据仓库实例
func NewScormOfflineRepository(db *gorm.DB) *ScormOfflineRepository {
	return &ScormOfflineRepository{DB: db}
}

// InsertTrack 写入单个跟踪元素，主键冲突时覆盖（upsert 语义）。
// forceCompleted 开启时有两个特殊规则：状态 incomplete 且已有分数时改写为
// completed；写入分数且当前状态为 incomplete 时先补一条 completed 状态记录，
// 主记录写入失败则回写 incomplete 进行补偿。两次写入不是真正的事务，
// 进程在两步之间中断会留下补偿不到的窗口。
func (r *ScormOfflineRepository) InsertTrack(
	scormID, scoID, userID uint,
	attempt int,
	element, value string,
	forceCompleted bool,
	scoData *scorm.ScoUserData,
) error {
	var scoUserData map[string]string
	if scoData != nil {
		scoUserData = scoData.UserData
	}

	statusInserted := false

	if forceCompleted {
		if element == "cmi.core.lesson_status" && value == "incomplete" {
			if scoUserData["cmi.core.score.raw"] != "" {
				value = "completed"
			}
		}
		if element == "cmi.core.score.raw" && scoUserData["cmi.core.lesson_status"] == "incomplete" {
			statusInserted = true
			if err := r.upsertTrack(scormID, scoID, userID, attempt, "cmi.core.lesson_status", "completed"); err != nil {
				return err
			}
		}
	}

	// x.start.time 只保留首次记录的值
	if element == "x.start.time" && scoUserData[element] != "" {
		return nil
	}

	if err := r.upsertTrack(scormID, scoID, userID, attempt, element, value); err != nil {
		if statusInserted {
			// 补偿之前插入的完成状态
			if rollbackErr := r.upsertTrack(scormID, scoID, userID, attempt, "cmi.core.lesson_status", "incomplete"); rollbackErr != nil {
				logger.Log.Error("Failed to roll back companion lesson_status write",
					zap.Uint("scormId", scormID), zap.Int("attempt", attempt), zap.Error(rollbackErr))
			}
		}
		return err
	}
	return nil
}

func (r *ScormOfflineRepository) upsertTrack(scormID, scoID, userID uint, attempt int, element, value string) error {
	track := model.ScormOfflineTrack{
		ScormID:      scormID,
		UserID:       userID,
		Attempt:      attempt,
		ScoID:        scoID,
		Element:      element,
		Value:        &value,
		TimeModified: time.Now().Unix(),
		Synced:       false,
	}
	return r.DB.Clauses(clause.OnConflict{UpdateAll: true}).Create(&track).Error
}

// SaveTracks 保存一个 SCO 的一批跟踪数据
func (r *ScormOfflineRepository) SaveTracks(
	s *model.Scorm,
	scoID, userID uint,
	attempt int,
	tracks []scorm.DataEntry,
	userData scorm.UserDataMap,
) error {
	scoData := userData[scoID]
	for _, track := range tracks {
		if err := r.InsertTrack(s.ID, scoID, userID, attempt, track.Element, track.Value, s.ForceCompleted, scoData); err != nil {
			return err
		}
	}
	return nil
}

// ChangeAttemptNumber 修改离线尝试的编号，同步引擎重排尝试时使用。
// 先改元数据再批量改跟踪记录并标记为未同步；跟踪记录更新失败时回退元数据，
// 保证调用方观察到的编号要么全改要么全不改。
func (r *ScormOfflineRepository) ChangeAttemptNumber(scormID, userID uint, attempt, newAttempt int) error {
	logger.Log.Debug("Change offline attempt number",
		zap.Uint("scormId", scormID), zap.Int("from", attempt), zap.Int("to", newAttempt))

	err := r.DB.Model(&model.ScormOfflineAttempt{}).
		Where("scorm_id = ? AND user_id = ? AND attempt = ?", scormID, userID, attempt).
		Updates(map[string]interface{}{"attempt": newAttempt, "time_modified": time.Now().Unix()}).Error
	if err != nil {
		return err
	}

	err = r.DB.Model(&model.ScormOfflineTrack{}).
		Where("scorm_id = ? AND user_id = ? AND attempt = ?", scormID, userID, attempt).
		Updates(map[string]interface{}{"attempt": newAttempt, "synced": false}).Error
	if err != nil {
		// 回退元数据编号
		if revertErr := r.DB.Model(&model.ScormOfflineAttempt{}).
			Where("scorm_id = ? AND user_id = ? AND attempt = ?", scormID, userID, newAttempt).
			Update("attempt", attempt).Error; revertErr != nil {
			logger.Log.Error("Failed to revert attempt metadata after track update failure",
				zap.Uint("scormId", scormID), zap.Int("attempt", attempt), zap.Error(revertErr))
		}
		return err
	}
	return nil
}

// CreateNewAttempt 创建新的离线尝试并落盘其全部用户数据。
// snapshot 不为空时保存去掉默认数据的快照，供同步时检测数据分叉。
func (r *ScormOfflineRepository) CreateNewAttempt(
	s *model.Scorm,
	userID uint,
	attempt int,
	userData scorm.UserDataMap,
	snapshot scorm.UserDataMap,
) error {
	logger.Log.Debug("Create new offline attempt",
		zap.Uint("scormId", s.ID), zap.Int("attempt", attempt))

	now := time.Now().Unix()
	entry := model.ScormOfflineAttempt{
		ScormID:      s.ID,
		UserID:       userID,
		Attempt:      attempt,
		CourseID:     s.CourseID,
		TimeCreated:  now,
		TimeModified: now,
	}

	if snapshot != nil {
		data, err := json.Marshal(snapshot.WithoutDefaultData())
		if err != nil {
			return err
		}
		entry.Snapshot = data
	}

	if err := r.DB.Create(&entry).Error; err != nil {
		return err
	}

	for scoID, sco := range userData {
		tracks := make([]scorm.DataEntry, 0, len(sco.UserData))
		for element, value := range sco.UserData {
			tracks = append(tracks, scorm.DataEntry{Element: element, Value: value})
		}
		if err := r.SaveTracks(s, scoID, userID, attempt, tracks, userData); err != nil {
			return err
		}
	}
	return nil
}

// DeleteAttempt 删除一个尝试的元数据和全部跟踪记录
func (r *ScormOfflineRepository) DeleteAttempt(scormID, userID uint, attempt int) error {
	logger.Log.Debug("Delete offline attempt",
		zap.Uint("scormId", scormID), zap.Int("attempt", attempt))

	err := r.DB.Where("scorm_id = ? AND user_id = ? AND attempt = ?", scormID, userID, attempt).
		Delete(&model.ScormOfflineAttempt{}).Error
	if err != nil {
		return err
	}
	return r.DB.Where("scorm_id = ? AND user_id = ? AND attempt = ?", scormID, userID, attempt).
		Delete(&model.ScormOfflineTrack{}).Error
}

// GetAllAttempts 获取所有用户的全部离线尝试
func (r *ScormOfflineRepository) GetAllAttempts() ([]model.ScormOfflineAttempt, error) {
	var attempts []model.ScormOfflineAttempt
	err := r.DB.Find(&attempts).Error
	return attempts, err
}

// GetAttempts 获取某用户在某 SCORM 上的离线尝试，按编号升序
func (r *ScormOfflineRepository) GetAttempts(scormID, userID uint) ([]model.ScormOfflineAttempt, error) {
	var attempts []model.ScormOfflineAttempt
	err := r.DB.Where("scorm_id = ? AND user_id = ?", scormID, userID).
		Order("attempt ASC").Find(&attempts).Error
	return attempts, err
}

// GetAttempt 获取单个离线尝试
func (r *ScormOfflineRepository) GetAttempt(scormID, userID uint, attempt int) (*model.ScormOfflineAttempt, error) {
	var record model.ScormOfflineAttempt
	err := r.DB.Where("scorm_id = ? AND user_id = ? AND attempt = ?", scormID, userID, attempt).
		First(&record).Error
	if err != nil {
		return nil, err
	}
	return &record, nil
}

// GetAttemptCreationTime 获取尝试的创建时间，不存在时返回 0
func (r *ScormOfflineRepository) GetAttemptCreationTime(scormID, userID uint, attempt int) int64 {
	record, err := r.GetAttempt(scormID, userID, attempt)
	if err != nil {
		return 0
	}
	return record.TimeCreated
}

// GetAttemptSnapshot 获取尝试快照，没有快照时返回 nil
func (r *ScormOfflineRepository) GetAttemptSnapshot(scormID, userID uint, attempt int) (scorm.UserDataMap, error) {
	record, err := r.GetAttempt(scormID, userID, attempt)
	if err != nil {
		return nil, err
	}
	if !record.HasSnapshot() {
		return nil, nil
	}
	var snapshot scorm.UserDataMap
	if err := json.Unmarshal(record.Snapshot, &snapshot); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// SetAttemptSnapshot 更新尝试快照，同步部分失败后保存现场供下次重试比对
func (r *ScormOfflineRepository) SetAttemptSnapshot(scormID, userID uint, attempt int, userData scorm.UserDataMap) error {
	logger.Log.Debug("Set attempt snapshot",
		zap.Uint("scormId", scormID), zap.Int("attempt", attempt))

	data, err := json.Marshal(userData.WithoutDefaultData())
	if err != nil {
		return err
	}
	return r.DB.Model(&model.ScormOfflineAttempt{}).
		Where("scorm_id = ? AND user_id = ? AND attempt = ?", scormID, userID, attempt).
		Updates(map[string]interface{}{"snapshot": data, "time_modified": time.Now().Unix()}).Error
}

// GetScormStoredData 查询尝试的跟踪记录，可按同步状态过滤
func (r *ScormOfflineRepository) GetScormStoredData(
	scormID, userID uint,
	attempt int,
	excludeSynced, excludeNotSynced bool,
) ([]model.ScormOfflineTrack, error) {
	if excludeSynced && excludeNotSynced {
		return nil, nil
	}

	query := r.DB.Where("scorm_id = ? AND user_id = ? AND attempt = ?", scormID, userID, attempt)
	if excludeSynced {
		query = query.Where("synced = ?", false)
	} else if excludeNotSynced {
		query = query.Where("synced = ?", true)
	}

	var tracks []model.ScormOfflineTrack
	err := query.Find(&tracks).Error
	return tracks, err
}

// MarkAsSynced 把一个 SCO 在某尝试下的未同步记录全部标记为已同步
func (r *ScormOfflineRepository) MarkAsSynced(scormID, userID, scoID uint, attempt int) error {
	logger.Log.Debug("Mark SCO tracks as synced",
		zap.Uint("scormId", scormID), zap.Uint("scoId", scoID), zap.Int("attempt", attempt))

	return r.DB.Model(&model.ScormOfflineTrack{}).
		Where("scorm_id = ? AND user_id = ? AND attempt = ? AND sco_id = ? AND synced = ?",
			scormID, userID, attempt, scoID, false).
		Update("synced", true).Error
}

// GetScormUserData 根据离线跟踪记录重建每个 SCO 的用户数据，
// 补齐 status/score_raw/total_time 等聚合字段和启动新数据模型所需的默认字段。
// scos 用于为没有任何记录的 SCO 生成空数据并填充 launch_data。
func (r *ScormOfflineRepository) GetScormUserData(
	scormID, userID uint,
	attempt int,
	scos []model.ScormSco,
	userName, fullName string,
) (scorm.UserDataMap, error) {
	entries, err := r.GetScormStoredData(scormID, userID, attempt, false, false)
	if err != nil {
		return nil, err
	}

	launchURLs := make(map[uint]string, len(scos))
	for _, sco := range scos {
		launchURLs[sco.ID] = sco.LaunchURL
	}

	response := scorm.UserDataMap{}
	timeModified := map[uint]int64{}

	for _, entry := range entries {
		sco, ok := response[entry.ScoID]
		if !ok {
			sco = scorm.NewScoUserData(entry.ScoID)
			sco.UserData["userid"] = strconv.FormatUint(uint64(userID), 10)
			sco.UserData["scoid"] = strconv.FormatUint(uint64(entry.ScoID), 10)
			response[entry.ScoID] = sco
		}
		sco.UserData[entry.Element] = entry.ValueString()
		if entry.TimeModified > timeModified[entry.ScoID] {
			timeModified[entry.ScoID] = entry.TimeModified
		}
	}

	for scoID, sco := range response {
		sco.UserData["timemodified"] = strconv.FormatInt(timeModified[scoID], 10)
		sco.UserData = formatInteractions(sco.UserData)
	}

	// 没有任何记录的 SCO 也要有空数据
	for _, sco := range scos {
		if _, ok := response[sco.ID]; !ok {
			data := scorm.NewScoUserData(sco.ID)
			data.UserData["status"] = ""
			data.UserData["score_raw"] = ""
			response[sco.ID] = data
		}
	}

	for scoID, sco := range response {
		def := map[string]string{
			"cmi.core.student_id":   userName,
			"cmi.core.student_name": fullName,
			// 播放器按实际模式覆盖这两项
			"cmi.core.lesson_mode": "normal",
			"cmi.core.credit":      "credit",
		}

		if sco.UserData["status"] == "" {
			def["cmi.core.entry"] = "ab-initio"
		} else if sco.UserData["cmi.core.exit"] == "suspend" {
			def["cmi.core.entry"] = "resume"
		} else {
			def["cmi.core.entry"] = ""
		}

		def["cmi.student_data.mastery_score"] = scormIsset(sco.UserData, "masteryscore", "")
		def["cmi.student_data.max_time_allowed"] = scormIsset(sco.UserData, "max_time_allowed", "")
		def["cmi.student_data.time_limit_action"] = scormIsset(sco.UserData, "time_limit_action", "")
		def["cmi.core.total_time"] = scormIsset(sco.UserData, "cmi.core.total_time", "00:00:00")
		def["cmi.launch_data"] = launchURLs[scoID]

		def["cmi.core.lesson_location"] = scormIsset(sco.UserData, "cmi.core.lesson_location", "")
		def["cmi.core.lesson_status"] = scormIsset(sco.UserData, "cmi.core.lesson_status", "")
		def["cmi.core.score.raw"] = scormIsset(sco.UserData, "cmi.core.score.raw", "")
		def["cmi.core.score.max"] = scormIsset(sco.UserData, "cmi.core.score.max", "")
		def["cmi.core.score.min"] = scormIsset(sco.UserData, "cmi.core.score.min", "")
		def["cmi.core.exit"] = scormIsset(sco.UserData, "cmi.core.exit", "")
		def["cmi.suspend_data"] = scormIsset(sco.UserData, "cmi.suspend_data", "")
		def["cmi.comments"] = scormIsset(sco.UserData, "cmi.comments", "")
		def["cmi.student_preference.language"] = scormIsset(sco.UserData, "cmi.student_preference.language", "")
		def["cmi.student_preference.audio"] = scormIsset(sco.UserData, "cmi.student_preference.audio", "0")
		def["cmi.student_preference.speed"] = scormIsset(sco.UserData, "cmi.student_preference.speed", "0")
		def["cmi.student_preference.text"] = scormIsset(sco.UserData, "cmi.student_preference.text", "0")

		sco.DefaultData = def

		// 部分字段需要同时出现在默认数据和用户数据中
		sco.UserData["student_id"] = userName
		sco.UserData["student_name"] = fullName
		sco.UserData["mode"] = def["cmi.core.lesson_mode"]
		sco.UserData["credit"] = def["cmi.core.credit"]
		sco.UserData["entry"] = def["cmi.core.entry"]
	}

	return response, nil
}

// formatInteractions 统一 SCORM 1.2/2004 的聚合字段表示，供报表和目录状态使用
func formatInteractions(scoUserData map[string]string) map[string]string {
	formatted := map[string]string{
		"score_raw":    "",
		"status":       "",
		"total_time":   "00:00:00",
		"session_time": "00:00:00",
	}

	for element, value := range scoUserData {
		switch element {
		case "score_raw", "status", "total_time", "session_time":
			// 聚合字段重新计算，忽略存储值
			continue
		}

		formatted[element] = value
		switch element {
		case "cmi.core.lesson_status", "cmi.completion_status":
			if value == "not attempted" {
				value = "notattempted"
			}
			formatted["status"] = value
		case "cmi.core.score.raw", "cmi.score.raw":
			formatted["score_raw"] = roundToDecimals(value, 2)
		case "cmi.core.session_time", "cmi.session_time":
			formatted["session_time"] = value
		case "cmi.core.total_time", "cmi.total_time":
			formatted["total_time"] = value
		}
	}

	return formatted
}

func roundToDecimals(value string, decimals int) string {
	n, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return value
	}
	factor := math.Pow10(decimals)
	return strconv.FormatFloat(math.Round(n*factor)/factor, 'f', -1, 64)
}

func scormIsset(userData map[string]string, param, ifEmpty string) string {
	if v, ok := userData[param]; ok {
		return v
	}
	return ifEmpty
}
