package service

import (
	"context"
	"fmt"
	"math"
	"mlearn_addons_backend/internal/event"
	"mlearn_addons_backend/internal/model"
	"mlearn_addons_backend/internal/repository"
	"mlearn_addons_backend/internal/scorm"
	"strconv"
)

// ScoWithData SCO清单数据与指定attempt的跟踪数据的合并视图，
// 用于目录渲染、前置条件判定和attempt完成状态判断
type ScoWithData struct {
	model.ScormSco
	Status    string `json:"status"`
	ScoreRaw  string `json:"scoreRaw,omitempty"`
	ExitValue string `json:"exitValue,omitempty"`
	Visible   bool   `json:"visible"`
	PrereqMet bool   `json:"prereqMet"`
}

// TocNode 目录树节点
type TocNode struct {
	*ScoWithData
	Children []*TocNode `json:"children"`
}

// AttemptGrade 单次尝试的评分结果
type AttemptGrade struct {
	Num                   int     `json:"num"`
	Score                 float64 `json:"score"`
	HasCompletedPassedSCO bool    `json:"hasCompletedPassedSco"`
}

// ScormService SCORM活动的查询和编排逻辑
type ScormService struct {
	ScormRepo   *repository.ScormRepository
	OfflineRepo *repository.ScormOfflineRepository
	UserRepo    *repository.UserRepository
	Online      ScormOnlineClient
	Bus         *event.Bus
}

func NewScormService(
	scormRepo *repository.ScormRepository,
	offlineRepo *repository.ScormOfflineRepository,
	userRepo *repository.UserRepository,
	online ScormOnlineClient,
	bus *event.Bus,
) *ScormService {
	return &ScormService{
		ScormRepo:   scormRepo,
		OfflineRepo: offlineRepo,
		UserRepo:    userRepo,
		Online:      online,
		Bus:         bus,
	}
}

// GetAttemptCount 合并在线和离线的attempt计数。
// 同一编号在离线也存在时以离线为准判定最后一次attempt。
func (s *ScormService) GetAttemptCount(ctx context.Context, scormID, userID uint, strategy ReadingStrategy) (*model.AttemptCount, error) {
	onlineCount, err := s.Online.GetAttemptCount(ctx, scormID, userID, strategy)
	if err != nil {
		return nil, err
	}

	offlineAttempts, err := s.OfflineRepo.GetAttempts(scormID, userID)
	if err != nil {
		return nil, err
	}

	result := &model.AttemptCount{
		Online:  make([]int, 0, onlineCount),
		Offline: make([]int, 0, len(offlineAttempts)),
		Total:   onlineCount,
	}
	result.LastAttempt.Number = onlineCount

	for i := 1; i <= onlineCount; i++ {
		result.Online = append(result.Online, i)
	}

	for _, entry := range offlineAttempts {
		if entry.Attempt >= result.LastAttempt.Number {
			result.LastAttempt.Number = entry.Attempt
			result.LastAttempt.Offline = true
		}
		result.Offline = append(result.Offline, entry.Attempt)
	}

	// 离线独有的编号计入总数，在线已有的编号视为同一次attempt的本地副本
	for _, attempt := range result.Offline {
		if attempt > onlineCount || attempt <= 0 {
			result.Total++
		}
	}

	return result, nil
}

// CountAttemptsLeft 剩余attempt次数，不限次数时返回MaxInt32
func (s *ScormService) CountAttemptsLeft(sc *model.Scorm, attemptsCount int) int {
	if sc.MaxAttempt == 0 {
		return math.MaxInt32
	}

	left := sc.MaxAttempt - attemptsCount
	if left < 0 {
		return 0
	}

	return left
}

// DetermineAttemptAndMode 根据请求的模式和当前attempt状态确定实际使用的
// 模式和attempt编号，对应Moodle的scorm_check_mode
func (s *ScormService) DetermineAttemptAndMode(
	sc *model.Scorm,
	mode scorm.Mode,
	attempt int,
	newAttempt, incomplete, canSaveTracks bool,
) (scorm.Mode, int, bool) {
	if !canSaveTracks {
		if sc.HideBrowse {
			mode = scorm.ModeNormal
		}

		return mode, attempt, false
	}

	if mode == scorm.ModeBrowse {
		if sc.HideBrowse {
			mode = scorm.ModeNormal
		} else {
			// browse模式不检查attempt状态
			if attempt == 0 {
				attempt = 1
				newAttempt = true
			}

			return mode, attempt, newAttempt
		}
	}

	if attempt == 0 {
		newAttempt = true
	} else if incomplete {
		// 上一次attempt未完成时不允许开新的
		newAttempt = false
	} else if sc.ForceNewAttempt {
		newAttempt = true
	}

	if newAttempt && (sc.MaxAttempt == 0 || attempt < sc.MaxAttempt) {
		attempt++
		mode = scorm.ModeNormal
	} else {
		if incomplete {
			mode = scorm.ModeNormal
		} else {
			// 不开新attempt且当前已完成，只能review
			mode = scorm.ModeReview
		}
	}

	return mode, attempt, newAttempt
}

// GetScormUserData 获取attempt的用户数据，按offline分流到站点或本地存储
func (s *ScormService) GetScormUserData(
	ctx context.Context,
	sc *model.Scorm,
	userID uint,
	attempt int,
	offline bool,
	strategy ReadingStrategy,
) (scorm.UserDataMap, error) {
	if !offline {
		return s.Online.GetUserData(ctx, sc.ID, attempt, strategy)
	}

	scos, err := s.ScormRepo.FindScos(sc.ID)
	if err != nil {
		return nil, err
	}

	userName, fullName := s.studentIdentity(userID)

	return s.OfflineRepo.GetScormUserData(sc.ID, userID, attempt, scos, userName, fullName)
}

func (s *ScormService) studentIdentity(userID uint) (string, string) {
	user, err := s.UserRepo.FindByID(userID)
	if err != nil {
		return strconv.FormatUint(uint64(userID), 10), ""
	}

	return strconv.FormatUint(uint64(user.ID), 10), user.Name
}

// GetScosWithData 获取SCO清单并叠加attempt的跟踪数据：
// 可见性、前置条件判定结果、完成状态、退出方式和原始分数
func (s *ScormService) GetScosWithData(
	ctx context.Context,
	sc *model.Scorm,
	userID uint,
	attempt int,
	offline bool,
	strategy ReadingStrategy,
) ([]ScoWithData, error) {
	scos, err := s.ScormRepo.FindScos(sc.ID)
	if err != nil {
		return nil, err
	}

	data, err := s.GetScormUserData(ctx, sc, userID, attempt, offline, strategy)
	if err != nil {
		return nil, err
	}

	// 前置条件表达式引用SCO标识符，需要先建好全量索引
	trackData := make(scorm.PrereqTrackData, len(scos))
	for _, sco := range scos {
		if scoData := data[sco.ID]; scoData != nil {
			trackData[sco.Identifier] = scoData.UserData
		} else {
			trackData[sco.Identifier] = map[string]string{}
		}
	}

	result := make([]ScoWithData, 0, len(scos))

	for _, sco := range scos {
		item := ScoWithData{ScormSco: sco, Visible: true, PrereqMet: true}

		if scoData := data[sco.ID]; scoData != nil {
			userData := scoData.UserData

			if visible, ok := userData["isvisible"]; ok {
				item.Visible = visible != "" && visible != "false"
			}
			if sco.Prerequisites != "" {
				item.PrereqMet = scorm.EvalPrerequisites(sco.Prerequisites, trackData)
			}

			item.Status = userData["status"]
			if item.Status == "" {
				item.Status = "notattempted"
			}

			exitVar := userData["exitvar"]
			if exitVar == "" {
				exitVar = "cmi.core.exit"
			}
			item.ExitValue = userData[exitVar]
			item.ScoreRaw = userData["score_raw"]
		} else {
			item.Status = "notattempted"
		}

		result = append(result, item)
	}

	return result, nil
}

// IsAttemptIncomplete 判断attempt是否未完成：
// 任何可见、可播放的SCO未到完成状态即视为未完成
func (s *ScormService) IsAttemptIncomplete(
	ctx context.Context,
	sc *model.Scorm,
	userID uint,
	attempt int,
	offline bool,
	strategy ReadingStrategy,
) (bool, error) {
	scos, err := s.GetScosWithData(ctx, sc, userID, attempt, offline, strategy)
	if err != nil {
		return false, err
	}

	for _, sco := range scos {
		if sco.Visible && sco.Launchable() && model.StatusIncomplete(sco.Status) {
			return true, nil
		}
	}

	return false, nil
}

// GetAttemptGrade 计算单次attempt的得分，对应Moodle的scorm_grade_user_attempt。
// 没有任何分数和完成记录时score为0。
func (s *ScormService) GetAttemptGrade(
	ctx context.Context,
	sc *model.Scorm,
	userID uint,
	attempt int,
	offline bool,
) (AttemptGrade, error) {
	grade := AttemptGrade{Num: attempt}

	data, err := s.GetScormUserData(ctx, sc, userID, attempt, offline, ReadPreferCache)
	if err != nil {
		return grade, err
	}

	var completedScos, values int
	var sum, max float64

	for _, sco := range data {
		userData := sco.UserData

		status := userData["status"]
		if status == "completed" || status == "passed" {
			completedScos++
		}

		if raw := userData["score_raw"]; raw != "" {
			if scoreRaw, err := strconv.ParseFloat(raw, 64); err == nil {
				values++
				sum += scoreRaw
				if scoreRaw > max {
					max = scoreRaw
				}
			}
		}
	}

	switch sc.GradeMethod {
	case model.GradeAverage:
		if values > 0 {
			grade.Score = sum / float64(values)
		}
	case model.GradeSum:
		grade.Score = sum
	case model.GradeScoes:
		grade.Score = float64(completedScos)
	default:
		grade.Score = max
	}

	grade.HasCompletedPassedSCO = completedScos > 0

	return grade, nil
}

// CalculateGrade 根据whatgrade策略把多次在线attempt的得分合成活动成绩，
// 没有attempt时返回-1
func (s *ScormService) CalculateGrade(sc *model.Scorm, attempts map[int]AttemptGrade) float64 {
	if len(attempts) == 0 {
		return -1
	}

	switch sc.WhatGrade {
	case model.FirstAttempt:
		if first, ok := attempts[1]; ok {
			return first.Score
		}

		return -1

	case model.LastAttempt:
		lastCompleted := 0
		for _, grade := range attempts {
			if grade.HasCompletedPassedSCO && grade.Num > lastCompleted {
				lastCompleted = grade.Num
			}
		}
		if lastCompleted > 0 {
			return attempts[lastCompleted].Score
		}
		if first, ok := attempts[1]; ok {
			// 没有完成过的attempt时与LMS保持一致，取第一次
			return first.Score
		}

		return -1

	case model.AverageAttempt:
		var sum float64
		for _, grade := range attempts {
			sum += grade.Score
		}

		return math.Round(sum / float64(len(attempts)))

	default:
		var max float64
		for _, grade := range attempts {
			if grade.Score > max {
				max = grade.Score
			}
		}

		return max
	}
}

// GetGrade 计算用户在活动上的当前成绩，只统计在线attempt
func (s *ScormService) GetGrade(ctx context.Context, sc *model.Scorm, userID uint) (float64, error) {
	count, err := s.GetAttemptCount(ctx, sc.ID, userID, ReadPreferCache)
	if err != nil {
		return -1, err
	}

	grades := make(map[int]AttemptGrade, len(count.Online))
	for _, attempt := range count.Online {
		grade, err := s.GetAttemptGrade(ctx, sc, userID, attempt, false)
		if err != nil {
			return -1, err
		}
		grades[attempt] = grade
	}

	return s.CalculateGrade(sc, grades), nil
}

// GetOrganizationToc 构建组织的目录树
func (s *ScormService) GetOrganizationToc(
	ctx context.Context,
	sc *model.Scorm,
	userID uint,
	attempt int,
	organization string,
	offline bool,
) ([]*TocNode, error) {
	scos, err := s.GetScosWithData(ctx, sc, userID, attempt, offline, ReadPreferCache)
	if err != nil {
		return nil, err
	}

	nodes := make(map[string]*TocNode, len(scos))
	roots := make([]*TocNode, 0)

	for i := range scos {
		sco := &scos[i]
		nodes[sco.Identifier] = &TocNode{ScoWithData: sco, Children: []*TocNode{}}
	}

	for i := range scos {
		sco := &scos[i]
		node := nodes[sco.Identifier]

		if sco.Parent == "/" {
			continue
		}
		if sco.Parent == organization {
			roots = append(roots, node)
		} else if parent, ok := nodes[sco.Parent]; ok {
			parent.Children = append(parent.Children, node)
		}
	}

	return roots, nil
}

// SaveTracks 保存一个SCO的track数据，按offline分流。
// 在线提交成功后失效用户数据缓存并广播数据已发送事件。
func (s *ScormService) SaveTracks(
	ctx context.Context,
	sc *model.Scorm,
	scoID, userID uint,
	attempt int,
	tracks []scorm.DataEntry,
	offline bool,
	userData scorm.UserDataMap,
) error {
	if offline {
		if userData == nil {
			var err error
			userData, err = s.GetScormUserData(ctx, sc, userID, attempt, true, ReadPreferCache)
			if err != nil {
				return err
			}
		}

		return s.OfflineRepo.SaveTracks(sc, scoID, userID, attempt, tracks, userData)
	}

	if err := s.Online.SaveTracks(ctx, sc.ID, scoID, attempt, tracks); err != nil {
		return err
	}

	s.Online.InvalidateUserData(ctx, sc.ID, attempt)

	if s.Bus != nil {
		s.Bus.Publish(event.Data{
			Name:    event.DataSent,
			ScormID: sc.ID,
			ScoID:   scoID,
			UserID:  userID,
			Attempt: attempt,
		})
	}

	return nil
}

// FormatGrade 成绩的展示格式，-1表示尚无成绩
func (s *ScormService) FormatGrade(grade float64) string {
	if grade < 0 {
		return ""
	}

	return fmt.Sprintf("%.2f", grade)
}
