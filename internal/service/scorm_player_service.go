package service

import (
	"context"
	"errors"
	"fmt"
	"mlearn_addons_backend/internal/event"
	"mlearn_addons_backend/internal/model"
	"mlearn_addons_backend/internal/repository"
	"mlearn_addons_backend/internal/scorm"
	"mlearn_addons_backend/pkg/logger"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// PlayerSession 一次SCO播放会话，token由客户端持有并在RTE调用中回传
type PlayerSession struct {
	Token     string     `json:"token"`
	UserID    uint       `json:"userId"`
	ScormID   uint       `json:"scormId"`
	ScoID     uint       `json:"scoId"`
	Attempt   int        `json:"attempt"`
	Mode      scorm.Mode `json:"mode"`
	Offline   bool       `json:"offline"`
	CreatedAt time.Time  `json:"createdAt"`

	Model *scorm.DataModel12 `json:"-"`
}

// ScormPlayerService 管理播放会话的创建、查找和关闭。
// 会话存活期间对应的SCORM活动被登记为阻塞，暂停自动同步。
type ScormPlayerService struct {
	mu       sync.Mutex
	sessions map[string]*PlayerSession

	ScormRepo   *repository.ScormRepository
	OfflineRepo *repository.ScormOfflineRepository
	ScormSvc    *ScormService
	Online      ScormOnlineClient
	Blocker     *SyncBlocker
	Bus         *event.Bus
}

func NewScormPlayerService(
	scormRepo *repository.ScormRepository,
	offlineRepo *repository.ScormOfflineRepository,
	scormSvc *ScormService,
	online ScormOnlineClient,
	blocker *SyncBlocker,
	bus *event.Bus,
) *ScormPlayerService {
	return &ScormPlayerService{
		sessions:    make(map[string]*PlayerSession),
		ScormRepo:   scormRepo,
		OfflineRepo: offlineRepo,
		ScormSvc:    scormSvc,
		Online:      online,
		Blocker:     blocker,
		Bus:         bus,
	}
}

var ErrSessionNotFound = errors.New("player session not found")

// playerTrackSaver 把数据模型的持久化回调接回服务层
type playerTrackSaver struct {
	svc    *ScormService
	scorm  *model.Scorm
	userID uint
}

func (p *playerTrackSaver) SaveTracks(scoID uint, attempt int, tracks []scorm.DataEntry, offline bool, userData scorm.UserDataMap) error {
	return p.svc.SaveTracks(context.Background(), p.scorm, scoID, p.userID, attempt, tracks, offline, userData)
}

// Launch 创建播放会话。确定实际的attempt编号和模式，准备用户数据，
// 必要时在离线库创建新attempt，然后构建数据模型。
// 在线数据不可达时自动降级为离线会话并广播go_offline事件。
func (s *ScormPlayerService) Launch(
	ctx context.Context,
	userID, scormID, scoID uint,
	requestedMode string,
	newAttempt, offline bool,
) (*PlayerSession, error) {
	sc, err := s.ScormRepo.FindByID(scormID)
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	if sc.TimeOpen > 0 && now < sc.TimeOpen {
		return nil, fmt.Errorf("scorm %d is not open yet", scormID)
	}
	if sc.TimeClose > 0 && now > sc.TimeClose {
		return nil, fmt.Errorf("scorm %d is closed", scormID)
	}

	attemptCount, err := s.ScormSvc.GetAttemptCount(ctx, scormID, userID, ReadPreferCache)
	if err != nil {
		if IsValidationError(err) {
			return nil, err
		}
		// 站点不可达，降级为纯离线会话
		logger.Log.Warn("LMS unreachable on launch, falling back to offline",
			zap.Uint("scormId", scormID), zap.Error(err))
		offline = true
		attemptCount, err = s.offlineAttemptCount(scormID, userID)
		if err != nil {
			return nil, err
		}
		if s.Bus != nil {
			s.Bus.Publish(event.Data{Name: event.GoOffline, ScormID: scormID, UserID: userID})
		}
	}

	attempt := attemptCount.LastAttempt.Number

	incomplete := false
	if attempt > 0 {
		incomplete, err = s.ScormSvc.IsAttemptIncomplete(ctx, sc, userID, attempt,
			attemptCount.LastAttempt.Offline || offline, ReadPreferCache)
		if err != nil {
			return nil, err
		}
	}

	mode, attempt, _ := s.ScormSvc.DetermineAttemptAndMode(
		sc, scorm.ParseMode(requestedMode), attempt, newAttempt, incomplete, true)

	if offline {
		if err := s.prepareOfflineAttempt(ctx, sc, userID, attempt, len(attemptCount.Online)); err != nil {
			return nil, err
		}
	}

	userData, err := s.ScormSvc.GetScormUserData(ctx, sc, userID, attempt, offline, ReadPreferCache)
	if err != nil {
		return nil, err
	}

	if scoID == 0 {
		scoID, err = s.defaultSco(sc)
		if err != nil {
			return nil, err
		}
	}

	dataModel := scorm.NewDataModel12(scorm.Settings{
		ScormID:       sc.ID,
		UserID:        userID,
		ScoID:         scoID,
		Attempt:       attempt,
		Mode:          mode,
		Offline:       offline,
		CanSaveTracks: true,
		AutoCommit:    sc.AutoCommit,
		Auto:          sc.Auto,
		Standard:      sc.Standard,
	}, userData, &playerTrackSaver{svc: s.ScormSvc, scorm: sc, userID: userID}, s.Bus)

	session := &PlayerSession{
		Token:     uuid.NewString(),
		UserID:    userID,
		ScormID:   sc.ID,
		ScoID:     scoID,
		Attempt:   attempt,
		Mode:      mode,
		Offline:   offline,
		CreatedAt: time.Now(),
		Model:     dataModel,
	}

	s.mu.Lock()
	s.sessions[session.Token] = session
	s.mu.Unlock()

	s.Blocker.Block(sc.ID, "player:"+session.Token)

	logger.Log.Info("SCORM player session started",
		zap.Uint("scormId", sc.ID), zap.Uint("scoId", scoID), zap.Uint("userId", userID),
		zap.Int("attempt", attempt), zap.String("mode", string(mode)), zap.Bool("offline", offline))

	return session, nil
}

// prepareOfflineAttempt 确保离线库存在当前attempt。
// 续作在线attempt时以站点数据为底并保存分叉检测快照，全新attempt从空数据开始。
func (s *ScormPlayerService) prepareOfflineAttempt(ctx context.Context, sc *model.Scorm, userID uint, attempt, onlineCount int) error {
	_, err := s.OfflineRepo.GetAttempt(sc.ID, userID, attempt)
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	var baseData, snapshot scorm.UserDataMap

	if attempt > 0 && attempt <= onlineCount {
		baseData, err = s.Online.GetUserData(ctx, sc.ID, attempt, ReadPreferCache)
		if err != nil {
			baseData = nil
		}
		snapshot = baseData
	}

	if baseData == nil {
		baseData = scorm.UserDataMap{}
	}

	return s.OfflineRepo.CreateNewAttempt(sc, userID, attempt, baseData, snapshot)
}

func (s *ScormPlayerService) offlineAttemptCount(scormID, userID uint) (*model.AttemptCount, error) {
	attempts, err := s.OfflineRepo.GetAttempts(scormID, userID)
	if err != nil {
		return nil, err
	}

	count := &model.AttemptCount{Online: []int{}, Offline: make([]int, 0, len(attempts))}
	for _, entry := range attempts {
		count.Offline = append(count.Offline, entry.Attempt)
		if entry.Attempt >= count.LastAttempt.Number {
			count.LastAttempt.Number = entry.Attempt
			count.LastAttempt.Offline = true
		}
		count.Total++
	}

	return count, nil
}

func (s *ScormPlayerService) defaultSco(sc *model.Scorm) (uint, error) {
	if sc.Launch != 0 {
		return sc.Launch, nil
	}

	scos, err := s.ScormRepo.FindScos(sc.ID)
	if err != nil {
		return 0, err
	}

	for _, sco := range scos {
		if sco.Launchable() {
			return sco.ID, nil
		}
	}

	return 0, fmt.Errorf("scorm %d has no launchable sco", sc.ID)
}

// Get 按token查找会话
func (s *ScormPlayerService) Get(token string) (*PlayerSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[token]
	if !ok {
		return nil, ErrSessionNotFound
	}

	return session, nil
}

// Close 关闭会话并解除活动阻塞。未调用过LMSFinish的会话先做一次Finish落盘。
func (s *ScormPlayerService) Close(token string) error {
	s.mu.Lock()
	session, ok := s.sessions[token]
	if ok {
		delete(s.sessions, token)
	}
	s.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	session.Model.Finish("")

	s.Blocker.Unblock(session.ScormID, "player:"+token)

	logger.Log.Info("SCORM player session closed",
		zap.Uint("scormId", session.ScormID), zap.Uint("userId", session.UserID))

	return nil
}
