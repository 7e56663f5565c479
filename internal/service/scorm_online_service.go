package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mlearn_addons_backend/internal/config"
	"mlearn_addons_backend/internal/scorm"
	"net/http"
	"time"

	"github.com/go-redis/redis/v8"
)

// ReadingStrategy 读取站点数据时的缓存策略
type ReadingStrategy int

const (
	// ReadPreferCache 优先读缓存，未命中再走网络
	ReadPreferCache ReadingStrategy = iota
	// ReadOnlyNetwork 绕过缓存强制走网络，结果写回缓存
	ReadOnlyNetwork
)

// OnlineError LMS站点调用错误。Validation为真表示站点拒绝了数据本身，
// 为假表示连接层面的失败（断网、超时、站点不可用）。
type OnlineError struct {
	Validation bool
	Err        error
}

func (e *OnlineError) Error() string {
	if e.Validation {
		return fmt.Sprintf("lms rejected request: %v", e.Err)
	}

	return fmt.Sprintf("lms unreachable: %v", e.Err)
}

func (e *OnlineError) Unwrap() error {
	return e.Err
}

// IsValidationError 判断错误是否为站点校验拒绝
func IsValidationError(err error) bool {
	var onlineErr *OnlineError
	return errors.As(err, &onlineErr) && onlineErr.Validation
}

// ScormOnlineClient 在线track数据访问接口
type ScormOnlineClient interface {
	GetAttemptCount(ctx context.Context, scormID, userID uint, strategy ReadingStrategy) (int, error)
	GetUserData(ctx context.Context, scormID uint, attempt int, strategy ReadingStrategy) (scorm.UserDataMap, error)
	SaveTracks(ctx context.Context, scormID, scoID uint, attempt int, tracks []scorm.DataEntry) error
	InvalidateAttemptCount(ctx context.Context, scormID, userID uint)
	InvalidateUserData(ctx context.Context, scormID uint, attempt int)
}

// ScormOnlineService 基于HTTP的LMS站点Web服务客户端，带redis响应缓存
type ScormOnlineService struct {
	config  config.LMSConfig
	client  *http.Client
	redis   *redis.Client
	blocker *SyncBlocker
}

func NewScormOnlineService(cfg config.LMSConfig, rdb *redis.Client, blocker *SyncBlocker) *ScormOnlineService {
	return &ScormOnlineService{
		config:  cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		redis:   rdb,
		blocker: blocker,
	}
}

type attemptCountResponse struct {
	AttemptsCount int `json:"attemptscount"`
}

type wsDataEntry struct {
	Element string `json:"element"`
	Value   string `json:"value"`
}

type wsScoUserData struct {
	ScoID       uint          `json:"scoid"`
	DefaultData []wsDataEntry `json:"defaultdata"`
	UserData    []wsDataEntry `json:"userdata"`
}

type userDataResponse struct {
	Data []wsScoUserData `json:"data"`
}

type insertTracksResponse struct {
	TrackIDs []int64 `json:"trackids"`
}

// GetAttemptCount 获取用户在指定SCORM上已完成的在线attempt数
func (s *ScormOnlineService) GetAttemptCount(ctx context.Context, scormID, userID uint, strategy ReadingStrategy) (int, error) {
	cacheKey := s.attemptCountKey(scormID, userID)

	if strategy == ReadPreferCache {
		var cached attemptCountResponse
		if s.cacheGet(ctx, cacheKey, &cached) {
			return cached.AttemptsCount, nil
		}
	}

	var resp attemptCountResponse
	err := s.call(ctx, "scorm/get_attempt_count", map[string]interface{}{
		"scormid": scormID,
		"userid":  userID,
	}, &resp)
	if err != nil {
		return 0, err
	}

	s.cacheSet(ctx, cacheKey, resp)

	return resp.AttemptsCount, nil
}

// GetUserData 获取指定attempt的全部SCO用户数据
func (s *ScormOnlineService) GetUserData(ctx context.Context, scormID uint, attempt int, strategy ReadingStrategy) (scorm.UserDataMap, error) {
	cacheKey := s.userDataKey(scormID, attempt)

	if strategy == ReadPreferCache {
		var cached userDataResponse
		if s.cacheGet(ctx, cacheKey, &cached) {
			return formatUserDataResponse(cached), nil
		}
	}

	var resp userDataResponse
	err := s.call(ctx, "scorm/get_user_data", map[string]interface{}{
		"scormid": scormID,
		"attempt": attempt,
	}, &resp)
	if err != nil {
		return nil, err
	}

	s.cacheSet(ctx, cacheKey, resp)

	return formatUserDataResponse(resp), nil
}

// SaveTracks 向站点提交一个SCO的track数据。
// 提交期间登记阻塞操作，避免同步流程与发送中的数据交叠。
func (s *ScormOnlineService) SaveTracks(ctx context.Context, scormID, scoID uint, attempt int, tracks []scorm.DataEntry) error {
	if len(tracks) == 0 {
		return nil
	}

	if s.blocker != nil {
		s.blocker.Block(scormID, "saveTracksOnline")
		defer s.blocker.Unblock(scormID, "saveTracksOnline")
	}

	var resp insertTracksResponse

	return s.call(ctx, "scorm/insert_tracks", map[string]interface{}{
		"scormid": scormID,
		"scoid":   scoID,
		"attempt": attempt,
		"tracks":  tracks,
	}, &resp)
}

// InvalidateAttemptCount 失效attempt数缓存
func (s *ScormOnlineService) InvalidateAttemptCount(ctx context.Context, scormID, userID uint) {
	s.cacheDel(ctx, s.attemptCountKey(scormID, userID))
}

// InvalidateUserData 失效用户数据缓存
func (s *ScormOnlineService) InvalidateUserData(ctx context.Context, scormID uint, attempt int) {
	s.cacheDel(ctx, s.userDataKey(scormID, attempt))
}

// SaveWikiPage 向站点提交一个离线新建的wiki页面，返回站点分配的页面ID
func (s *ScormOnlineService) SaveWikiPage(ctx context.Context, subwikiID uint, title, content string) (uint, error) {
	var resp struct {
		PageID uint `json:"pageid"`
	}

	err := s.call(ctx, "wiki/new_page", map[string]interface{}{
		"subwikiid": subwikiID,
		"title":     title,
		"content":   content,
	}, &resp)
	if err != nil {
		return 0, err
	}

	return resp.PageID, nil
}

func (s *ScormOnlineService) call(ctx context.Context, endpoint string, params interface{}, out interface{}) error {
	jsonData, err := json.Marshal(params)
	if err != nil {
		return &OnlineError{Validation: true, Err: err}
	}

	url := s.config.BaseURL + "/webservice/" + endpoint

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return &OnlineError{Err: err}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.config.Token)

	resp, err := s.client.Do(req)
	if err != nil {
		return &OnlineError{Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("lms webservice %s (status %d): %s", endpoint, resp.StatusCode, string(body))
		// 4xx表示站点明确拒绝，5xx和连接失败归为不可达
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return &OnlineError{Validation: true, Err: err}
		}

		return &OnlineError{Err: err}
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &OnlineError{Err: fmt.Errorf("lms webservice %s: bad response: %w", endpoint, err)}
	}

	return nil
}

func formatUserDataResponse(resp userDataResponse) scorm.UserDataMap {
	data := make(scorm.UserDataMap, len(resp.Data))

	for _, sco := range resp.Data {
		entry := scorm.NewScoUserData(sco.ScoID)
		for _, item := range sco.DefaultData {
			entry.DefaultData[item.Element] = item.Value
		}
		for _, item := range sco.UserData {
			entry.UserData[item.Element] = item.Value
		}
		data[sco.ScoID] = entry
	}

	return data
}

func (s *ScormOnlineService) attemptCountKey(scormID, userID uint) string {
	return fmt.Sprintf("mlearn:scorm:attemptcount:%d:%d", scormID, userID)
}

func (s *ScormOnlineService) userDataKey(scormID uint, attempt int) string {
	return fmt.Sprintf("mlearn:scorm:userdata:%d:%d", scormID, attempt)
}

func (s *ScormOnlineService) cacheGet(ctx context.Context, key string, out interface{}) bool {
	if s.redis == nil {
		return false
	}

	raw, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}

	return json.Unmarshal(raw, out) == nil
}

func (s *ScormOnlineService) cacheSet(ctx context.Context, key string, value interface{}) {
	if s.redis == nil {
		return
	}

	ttl := s.config.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}

	if raw, err := json.Marshal(value); err == nil {
		s.redis.Set(ctx, key, raw, ttl)
	}
}

func (s *ScormOnlineService) cacheDel(ctx context.Context, key string) {
	if s.redis != nil {
		s.redis.Del(ctx, key)
	}
}
