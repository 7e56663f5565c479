package service

import (
	"context"
	"fmt"
	"mlearn_addons_backend/internal/event"
	"mlearn_addons_backend/internal/model"
	"mlearn_addons_backend/internal/repository"
	"mlearn_addons_backend/internal/scorm"
	"mlearn_addons_backend/pkg/logger"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// SyncResult 一次同步的结果
type SyncResult struct {
	Warnings        []string `json:"warnings"`
	AttemptFinished bool     `json:"attemptFinished"` // 同步导致站点上有attempt被判定完成
	Updated         bool     `json:"updated"`         // 是否有数据发送到了站点
}

// ScormSyncService 离线attempt同步引擎。
// 把本地积累的track数据推送到LMS站点，处理编号冲突、失败重试和数据分叉。
type ScormSyncService struct {
	ScormRepo   *repository.ScormRepository
	OfflineRepo *repository.ScormOfflineRepository
	ScormSvc    *ScormService
	Online      ScormOnlineClient
	Blocker     *SyncBlocker
	Bus         *event.Bus
	Interval    time.Duration
}

func NewScormSyncService(
	scormRepo *repository.ScormRepository,
	offlineRepo *repository.ScormOfflineRepository,
	scormSvc *ScormService,
	online ScormOnlineClient,
	blocker *SyncBlocker,
	bus *event.Bus,
	interval time.Duration,
) *ScormSyncService {
	return &ScormSyncService{
		ScormRepo:   scormRepo,
		OfflineRepo: offlineRepo,
		ScormSvc:    scormSvc,
		Online:      online,
		Blocker:     blocker,
		Bus:         bus,
		Interval:    interval,
	}
}

// SyncScorm 同步某用户在某SCORM活动上的全部离线attempt。
// 同一(活动,用户)的并发调用共享同一次同步的结果；活动被阻塞时拒绝同步。
func (s *ScormSyncService) SyncScorm(ctx context.Context, sc *model.Scorm, userID uint) (*SyncResult, error) {
	started, share := s.Blocker.StartSync(sc.ID, userID)
	if !started {
		return share.Wait()
	}

	if s.Blocker.IsBlocked(sc.ID) {
		err := fmt.Errorf("scorm %d is blocked, cannot sync", sc.ID)
		s.Blocker.FinishSync(sc.ID, userID, nil, err)
		return nil, err
	}

	logger.Log.Debug("Sync SCORM offline attempts",
		zap.Uint("scormId", sc.ID), zap.Uint("userId", userID))

	result, err := s.performSync(ctx, sc, userID)
	s.Blocker.FinishSync(sc.ID, userID, result, err)

	return result, err
}

// SyncScormIfNeeded 距上次成功同步超过配置间隔时才同步
func (s *ScormSyncService) SyncScormIfNeeded(ctx context.Context, sc *model.Scorm, userID uint) (*SyncResult, error) {
	if !s.Blocker.SyncNeeded(sc.ID, userID, s.Interval) {
		return nil, nil
	}

	return s.SyncScorm(ctx, sc, userID)
}

// SyncAll 扫描所有存在离线attempt的(活动,用户)并逐个同步，
// 每次实际执行的同步都广播auto_synced事件。单个活动失败不中断扫描。
func (s *ScormSyncService) SyncAll(ctx context.Context) error {
	attempts, err := s.OfflineRepo.GetAllAttempts()
	if err != nil {
		return err
	}

	treated := make(map[syncKey]bool)

	for _, attempt := range attempts {
		key := syncKey{attempt.ScormID, attempt.UserID}
		if treated[key] || s.Blocker.IsBlocked(attempt.ScormID) {
			continue
		}
		treated[key] = true

		sc, err := s.ScormRepo.FindByID(attempt.ScormID)
		if err != nil {
			logger.Log.Warn("Skip sync of unknown SCORM",
				zap.Uint("scormId", attempt.ScormID), zap.Error(err))
			continue
		}

		result, err := s.SyncScormIfNeeded(ctx, sc, attempt.UserID)
		if err != nil {
			logger.Log.Warn("SCORM auto sync failed",
				zap.Uint("scormId", sc.ID), zap.Uint("userId", attempt.UserID), zap.Error(err))
			continue
		}

		if result != nil && s.Bus != nil {
			s.Bus.Publish(event.Data{
				Name:     event.AutoSynced,
				ScormID:  sc.ID,
				UserID:   attempt.UserID,
				Warnings: result.Warnings,
			})
		}
	}

	return nil
}

func (s *ScormSyncService) performSync(ctx context.Context, sc *model.Scorm, userID uint) (*SyncResult, error) {
	var warnings []string
	lastOnline := 0
	lastOnlineWasFinished := false

	// 在线attempt数绕过缓存获取，站点不可达时整个同步中止
	attemptsData, err := s.ScormSvc.GetAttemptCount(ctx, sc.ID, userID, ReadOnlyNetwork)
	if err != nil {
		return nil, err
	}

	if len(attemptsData.Offline) == 0 {
		return s.finishSync(ctx, sc, userID, warnings, lastOnline, lastOnlineWasFinished, nil, false)
	}

	initialCount := attemptsData
	collisions := make([]int, 0)

	for _, attempt := range attemptsData.Online {
		if attempt > lastOnline {
			lastOnline = attempt
		}
		if containsInt(attemptsData.Offline, attempt) {
			collisions = append(collisions, attempt)
		}
	}

	incomplete := false
	if lastOnline > 0 {
		incomplete, err = s.ScormSvc.IsAttemptIncomplete(ctx, sc, userID, lastOnline, false, ReadOnlyNetwork)
		if err != nil {
			return nil, err
		}
	}
	lastOnlineWasFinished = !incomplete

	if len(collisions) == 0 {
		if incomplete {
			// 没有冲突但最后一次在线attempt未完成，离线attempt不能发送
			warnings = append(warnings, warningOnlineIncomplete)

			return s.finishSync(ctx, sc, userID, warnings, lastOnline, lastOnlineWasFinished, initialCount, false)
		}

		for _, attempt := range attemptsData.Offline {
			if sc.MaxAttempt != 0 && attempt > sc.MaxAttempt {
				continue
			}
			attemptWarnings, err := s.syncAttempt(ctx, sc, userID, attempt)
			warnings = append(warnings, attemptWarnings...)
			if err != nil {
				return nil, err
			}
		}

		return s.finishSync(ctx, sc, userID, warnings, lastOnline, lastOnlineWasFinished, initialCount, true)
	}

	// 存在冲突，先把无法合并的离线attempt改成新attempt
	warnings, err = s.treatCollisions(ctx, sc, userID, collisions, lastOnline, attemptsData.Offline)
	if err != nil {
		return nil, err
	}

	// 冲突处理可能已重排编号，重新读取离线attempt列表
	entries, err := s.OfflineRepo.GetAttempts(sc.ID, userID)
	if err != nil {
		return nil, err
	}

	attempts := make([]int, 0, len(entries))
	for _, entry := range entries {
		attempts = append(attempts, entry.Attempt)
	}

	if incomplete && containsInt(attempts, lastOnline) {
		// 最后一次在线attempt未完成但在离线被续作了，可以同步
		incomplete = false
	}

	cannotSyncSome := false

	for _, attempt := range attempts {
		// lastOnline及之前的attempt总是同步（失败重试或在线续作），
		// 之后的新attempt只在最后一次在线attempt已完成时同步
		if !incomplete || attempt <= lastOnline {
			if sc.MaxAttempt == 0 || attempt <= sc.MaxAttempt {
				attemptWarnings, err := s.syncAttempt(ctx, sc, userID, attempt)
				warnings = append(warnings, attemptWarnings...)
				if err != nil {
					return nil, err
				}
			}
		} else {
			cannotSyncSome = true
		}
	}

	if cannotSyncSome {
		warnings = append(warnings, warningOnlineIncomplete)
	}

	return s.finishSync(ctx, sc, userID, warnings, lastOnline, lastOnlineWasFinished, initialCount, true)
}

const warningOnlineIncomplete = "最后一次在线尝试尚未完成，部分离线尝试无法同步"

// finishSync 收尾：失效缓存、检查站点侧是否有attempt因本次同步被判定完成
func (s *ScormSyncService) finishSync(
	ctx context.Context,
	sc *model.Scorm,
	userID uint,
	warnings []string,
	lastOnline int,
	lastOnlineWasFinished bool,
	initialCount *model.AttemptCount,
	updated bool,
) (*SyncResult, error) {
	result := &SyncResult{
		Warnings: warnings,
		Updated:  updated,
	}
	if result.Warnings == nil {
		result.Warnings = []string{}
	}

	if updated {
		s.Online.InvalidateAttemptCount(ctx, sc.ID, userID)
	}

	if initialCount == nil {
		return result, nil
	}

	attemptsData, err := s.ScormSvc.GetAttemptCount(ctx, sc.ID, userID, ReadOnlyNetwork)
	if err != nil {
		return result, err
	}

	if len(attemptsData.Online) > len(initialCount.Online) {
		result.AttemptFinished = true
	} else if !lastOnlineWasFinished && lastOnline > 0 {
		incomplete, err := s.ScormSvc.IsAttemptIncomplete(ctx, sc, userID, lastOnline, false, ReadOnlyNetwork)
		if err != nil {
			return result, err
		}
		result.AttemptFinished = !incomplete
	}

	return result, nil
}

// syncAttempt 把一个离线attempt的未同步track发送到站点。
// 只发送带点号的标准数据模型元素，本地辅助元素不上传。
// 站点校验拒绝的SCO丢弃其数据并记警告；连接失败时若已有SCO发送成功，
// 保存现场快照供下次重试比对，然后向上返回错误。
func (s *ScormSyncService) syncAttempt(ctx context.Context, sc *model.Scorm, userID uint, attempt int) ([]string, error) {
	logger.Log.Debug("Sync offline attempt",
		zap.Uint("scormId", sc.ID), zap.Uint("userId", userID), zap.Int("attempt", attempt))

	tracks, err := s.OfflineRepo.GetScormStoredData(sc.ID, userID, attempt, true, false)
	if err != nil {
		return nil, err
	}

	scoTracks := make(map[uint][]scorm.DataEntry)
	for _, track := range tracks {
		if strings.Contains(track.Element, ".") {
			scoTracks[track.ScoID] = append(scoTracks[track.ScoID], scorm.DataEntry{
				Element: track.Element,
				Value:   track.ValueString(),
			})
		}
	}

	scoIDs := make([]uint, 0, len(scoTracks))
	for scoID := range scoTracks {
		scoIDs = append(scoIDs, scoID)
	}
	sort.Slice(scoIDs, func(i, j int) bool { return scoIDs[i] < scoIDs[j] })

	var warnings []string
	somethingSynced := false

	for _, scoID := range scoIDs {
		err := s.Online.SaveTracks(ctx, sc.ID, scoID, attempt, scoTracks[scoID])
		if err != nil {
			if IsValidationError(err) {
				// 站点明确拒绝这部分数据，丢弃并继续其他SCO
				logger.Log.Warn("LMS rejected SCO tracks, discarding",
					zap.Uint("scormId", sc.ID), zap.Uint("scoId", scoID),
					zap.Int("attempt", attempt), zap.Error(err))
				warnings = append(warnings,
					fmt.Sprintf("站点拒绝了第%d次尝试中SCO %d的数据，该部分离线数据已丢弃", attempt, scoID))
				if markErr := s.OfflineRepo.MarkAsSynced(sc.ID, userID, scoID, attempt); markErr != nil {
					logger.Log.Error("Failed to mark rejected SCO as synced", zap.Error(markErr))
				}
				continue
			}

			if somethingSynced {
				// 部分SCO已发送成功，保存快照以便下次识别为失败的同步并重试
				logger.Log.Error("Partial attempt sync failure, saving snapshot",
					zap.Uint("scormId", sc.ID), zap.Int("attempt", attempt), zap.Error(err))
				s.saveSyncSnapshot(ctx, sc, userID, attempt)
			}

			return warnings, err
		}

		if markErr := s.OfflineRepo.MarkAsSynced(sc.ID, userID, scoID, attempt); markErr != nil {
			logger.Log.Error("Failed to mark SCO tracks as synced", zap.Error(markErr))
		}
		somethingSynced = true
	}

	if err := s.OfflineRepo.DeleteAttempt(sc.ID, userID, attempt); err != nil {
		logger.Log.Error("Failed to delete synced offline attempt",
			zap.Uint("scormId", sc.ID), zap.Int("attempt", attempt), zap.Error(err))
	}

	return warnings, nil
}

// treatCollisions 处理在线与离线编号相同的attempt。
// 冲突可能是三种情形：上次同步失败的遗留、在线attempt的离线续作、
// 或碰巧同号的两次不同attempt。无法合并的转换为新attempt，
// 通常保持离线顺序，唯一例外是晚于最后一次离线attempt创建的冲突会排到队尾。
func (s *ScormSyncService) treatCollisions(
	ctx context.Context,
	sc *model.Scorm,
	userID uint,
	collisions []int,
	lastOnline int,
	offlineAttempts []int,
) ([]string, error) {
	warnings := []string{}
	newAttemptsSameOrder := make([]int, 0)
	newAttemptsAtEnd := make(map[int64]int)

	lastCollision := maxInt(collisions)
	lastOffline := maxInt(offlineAttempts)

	lastOfflineIncomplete, err := s.ScormSvc.IsAttemptIncomplete(ctx, sc, userID, lastOffline, true, ReadPreferCache)
	if err != nil {
		return nil, err
	}
	lastOfflineCreated := s.OfflineRepo.GetAttemptCreationTime(sc.ID, userID, lastOffline)

	for _, attempt := range collisions {
		// 已同步的记录意味着这是一次失败的同步遗留
		synced, err := s.OfflineRepo.GetScormStoredData(sc.ID, userID, attempt, false, true)
		if err != nil {
			return nil, err
		}

		if len(synced) > 0 {
			unsynced, err := s.OfflineRepo.GetScormStoredData(sc.ID, userID, attempt, true, false)
			if err != nil {
				return nil, err
			}

			hasDataToSend := false
			for _, track := range unsynced {
				if strings.Contains(track.Element, ".") {
					hasDataToSend = true
					break
				}
			}

			if !hasDataToSend {
				// 没有剩余数据，上次同步只是删除attempt失败
				if err := s.OfflineRepo.DeleteAttempt(sc.ID, userID, attempt); err != nil {
					logger.Log.Warn("Failed to delete leftover attempt", zap.Error(err))
				}
				continue
			}

			canRetry, err := s.canRetrySync(ctx, sc, userID, attempt, lastOnline)
			if err != nil {
				return nil, err
			}

			if !canRetry {
				s.addToNewOrDelete(sc.ID, userID, attempt, lastOffline, &newAttemptsSameOrder,
					newAttemptsAtEnd, lastOfflineCreated, lastOfflineIncomplete, &warnings)
			}

			continue
		}

		snapshot, err := s.OfflineRepo.GetAttemptSnapshot(sc.ID, userID, attempt)
		if err != nil {
			return nil, err
		}

		if len(snapshot) == 0 {
			// 没有快照，是碰巧同号的另一次attempt
			newAttemptsSameOrder = append(newAttemptsSameOrder, attempt)
			continue
		}

		// 有快照说明续作自在线attempt，需要检查站点数据是否已分叉
		strategy := ReadOnlyNetwork
		if attempt == lastOnline {
			strategy = ReadPreferCache
		}

		userData, err := s.Online.GetUserData(ctx, sc.ID, attempt, strategy)
		if err != nil {
			return nil, err
		}

		if !snapshotEquals(snapshot, userData) {
			s.addToNewOrDelete(sc.ID, userID, attempt, lastOffline, &newAttemptsSameOrder,
				newAttemptsAtEnd, lastOfflineCreated, lastOfflineIncomplete, &warnings)
		}
	}

	if err := s.moveNewAttempts(sc.ID, userID, newAttemptsSameOrder, lastOnline, lastCollision, offlineAttempts); err != nil {
		return nil, err
	}

	// 保序的新attempt已就位，把队尾attempt排到它们之后（最多只会有1个）
	lastOffline += len(newAttemptsSameOrder)

	if err := s.createNewAttemptsAtEnd(sc.ID, userID, newAttemptsAtEnd, lastOffline); err != nil {
		return nil, err
	}

	return warnings, nil
}

// addToNewOrDelete 决定无法合并的冲突attempt的去向。
// 创建时间不晚于最后一次离线attempt的保持顺序转为新attempt；
// 晚于它的排到队尾，但若最后一次离线attempt未完成则只能删除。
func (s *ScormSyncService) addToNewOrDelete(
	scormID, userID uint,
	attempt, lastOffline int,
	newAttemptsSameOrder *[]int,
	newAttemptsAtEnd map[int64]int,
	lastOfflineCreated int64,
	lastOfflineIncomplete bool,
	warnings *[]string,
) {
	if attempt == lastOffline {
		*newAttemptsSameOrder = append(*newAttemptsSameOrder, attempt)
		return
	}

	created := s.OfflineRepo.GetAttemptCreationTime(scormID, userID, attempt)
	if created == 0 || created <= lastOfflineCreated {
		*newAttemptsSameOrder = append(*newAttemptsSameOrder, attempt)
		return
	}

	if lastOfflineIncomplete {
		// 最后一次离线attempt未完成，不能在它之后追加新attempt
		logger.Log.Debug("Delete collision attempt that cannot become a new attempt",
			zap.Uint("scormId", scormID), zap.Int("attempt", attempt))
		if err := s.OfflineRepo.DeleteAttempt(scormID, userID, attempt); err != nil {
			logger.Log.Warn("Failed to delete attempt", zap.Error(err))
		}
		*warnings = append(*warnings,
			fmt.Sprintf("第%d次离线尝试无法转换为新尝试，离线数据已删除", attempt))
		return
	}

	newAttemptsAtEnd[created] = attempt
}

// canRetrySync 判断失败的同步能否重试：保存过的快照必须与站点当前数据一致
func (s *ScormSyncService) canRetrySync(ctx context.Context, sc *model.Scorm, userID uint, attempt, lastOnline int) (bool, error) {
	// 最后一次在线attempt的数据刚绕过缓存取过，其余的强制刷新
	strategy := ReadOnlyNetwork
	if attempt == lastOnline {
		strategy = ReadPreferCache
	}

	siteData, err := s.Online.GetUserData(ctx, sc.ID, attempt, strategy)
	if err != nil {
		return false, err
	}

	snapshot, err := s.OfflineRepo.GetAttemptSnapshot(sc.ID, userID, attempt)
	if err != nil {
		return false, err
	}

	return len(snapshot) > 0 && snapshotEquals(snapshot, siteData), nil
}

// moveNewAttempts 把需要转为新attempt的冲突移到在线attempt之后。
// 先把冲突之后的离线attempt整体后移腾出编号，再依次移动新attempt；
// 任何一步失败都回滚已完成的移动。
func (s *ScormSyncService) moveNewAttempts(
	scormID, userID uint,
	newAttempts []int,
	lastOnline, lastCollision int,
	offlineAttempts []int,
) error {
	if len(newAttempts) == 0 {
		return nil
	}

	// 按编号降序后移，避免和已有编号相撞
	sorted := append([]int(nil), offlineAttempts...)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))

	lastSuccessful := 0

	undoShift := func() {
		if lastSuccessful == 0 {
			return
		}
		for attempt := lastSuccessful; containsInt(sorted, attempt); attempt++ {
			if err := s.OfflineRepo.ChangeAttemptNumber(scormID, userID, attempt+len(newAttempts), attempt); err != nil {
				logger.Log.Error("Failed to undo attempt shift",
					zap.Uint("scormId", scormID), zap.Int("attempt", attempt), zap.Error(err))
				return
			}
		}
	}

	for _, attempt := range sorted {
		if attempt > lastCollision {
			if err := s.OfflineRepo.ChangeAttemptNumber(scormID, userID, attempt, attempt+len(newAttempts)); err != nil {
				undoShift()
				return err
			}
			lastSuccessful = attempt
		}
	}

	ordered := append([]int(nil), newAttempts...)
	sort.Ints(ordered)

	moved := make([]int, 0, len(ordered))

	for index, attempt := range ordered {
		newNumber := lastOnline + index + 1
		if err := s.OfflineRepo.ChangeAttemptNumber(scormID, userID, attempt, newNumber); err != nil {
			// 回滚已移动的新attempt，再回滚后移
			for _, done := range moved {
				newNumber := lastOnline + indexOfInt(ordered, done) + 1
				if undoErr := s.OfflineRepo.ChangeAttemptNumber(scormID, userID, newNumber, done); undoErr != nil {
					logger.Log.Error("Failed to undo new attempt move",
						zap.Uint("scormId", scormID), zap.Int("attempt", done), zap.Error(undoErr))
				}
			}
			undoShift()

			return err
		}
		moved = append(moved, attempt)
	}

	return nil
}

// createNewAttemptsAtEnd 按创建时间顺序把队尾attempt排到最后
func (s *ScormSyncService) createNewAttemptsAtEnd(scormID, userID uint, newAttempts map[int64]int, lastOffline int) error {
	if len(newAttempts) == 0 {
		return nil
	}

	times := make([]int64, 0, len(newAttempts))
	for created := range newAttempts {
		times = append(times, created)
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })

	for index, created := range times {
		attempt := newAttempts[created]
		if err := s.OfflineRepo.ChangeAttemptNumber(scormID, userID, attempt, lastOffline+index+1); err != nil {
			return err
		}
	}

	return nil
}

// saveSyncSnapshot 保存同步现场快照。
// 优先取站点当前数据；站点不可达时用缓存数据补上已同步的本地记录自行拼装。
func (s *ScormSyncService) saveSyncSnapshot(ctx context.Context, sc *model.Scorm, userID uint, attempt int) {
	userData, err := s.Online.GetUserData(ctx, sc.ID, attempt, ReadOnlyNetwork)
	if err != nil {
		userData, err = s.Online.GetUserData(ctx, sc.ID, attempt, ReadPreferCache)
		if err != nil || userData == nil {
			userData = scorm.UserDataMap{}
		}

		syncedTracks, err := s.OfflineRepo.GetScormStoredData(sc.ID, userID, attempt, false, true)
		if err == nil {
			for _, track := range syncedTracks {
				sco := userData[track.ScoID]
				if sco == nil {
					sco = scorm.NewScoUserData(track.ScoID)
					userData[track.ScoID] = sco
				}
				sco.UserData[track.Element] = track.ValueString()
			}
		}
	}

	if err := s.OfflineRepo.SetAttemptSnapshot(sc.ID, userID, attempt, userData); err != nil {
		logger.Log.Error("Failed to save sync snapshot",
			zap.Uint("scormId", sc.ID), zap.Int("attempt", attempt), zap.Error(err))
	}
}

// snapshotEquals 双向比较快照与站点数据，只比较带点号的数据模型元素。
// 站点新增了SCO但没有用户数据时仍视为一致。
func snapshotEquals(snapshot, userData scorm.UserDataMap) bool {
	for scoID, siteSco := range userData {
		snapshotSco := snapshot[scoID]
		for element, value := range siteSco.UserData {
			if !strings.Contains(element, ".") {
				continue
			}
			if snapshotSco == nil || snapshotSco.UserData[element] != value {
				return false
			}
		}
	}

	for scoID, snapshotSco := range snapshot {
		siteSco := userData[scoID]
		for element, value := range snapshotSco.UserData {
			if !strings.Contains(element, ".") {
				continue
			}
			if siteSco == nil || siteSco.UserData[element] != value {
				return false
			}
		}
	}

	return true
}

func containsInt(list []int, value int) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}

	return false
}

func indexOfInt(list []int, value int) int {
	for i, item := range list {
		if item == value {
			return i
		}
	}

	return -1
}

func maxInt(list []int) int {
	max := 0
	for _, item := range list {
		if item > max {
			max = item
		}
	}

	return max
}
