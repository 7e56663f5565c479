package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mlearn_addons_backend/internal/event"
	"mlearn_addons_backend/internal/model"
	"mlearn_addons_backend/internal/repository"
	"mlearn_addons_backend/pkg/logger"

	"go.uber.org/zap"
)

// WikiCreatedPage 同步成功的页面及站点分配的ID
type WikiCreatedPage struct {
	PageID uint   `json:"pageId"`
	Title  string `json:"title"`
}

// WikiDiscardedPage 被站点拒绝而丢弃的页面
type WikiDiscardedPage struct {
	Title   string `json:"title"`
	Warning string `json:"warning"`
}

// WikiSyncResult 一个子空间的同步结果
type WikiSyncResult struct {
	Warnings  []string            `json:"warnings"`
	Created   []WikiCreatedPage   `json:"created"`
	Discarded []WikiDiscardedPage `json:"discarded"`
	Updated   bool                `json:"updated"`
}

// WikiSyncService 把离线排队的wiki页面推送到站点。
// 以子空间为同步单位；站点校验拒绝的页面删除并记警告，
// 连接失败时保留页面、中止本次同步。
type WikiSyncService struct {
	Repo     *repository.WikiRepository
	Online   WikiOnlineClient
	Blocker  *SyncBlocker
	Bus      *event.Bus
	Interval time.Duration

	mu sync.Mutex
	// 最近一次同步的完整结果，供并发等待者取用
	results map[uint]*WikiSyncResult
}

func NewWikiSyncService(
	repo *repository.WikiRepository,
	online WikiOnlineClient,
	blocker *SyncBlocker,
	bus *event.Bus,
	interval time.Duration,
) *WikiSyncService {
	return &WikiSyncService{
		Repo:     repo,
		Online:   online,
		Blocker:  blocker,
		Bus:      bus,
		Interval: interval,
		results:  make(map[uint]*WikiSyncResult),
	}
}

// SyncSubwiki 同步一个子空间的离线页面。
// 同一子空间的并发调用共享同一次同步的结果；编辑中的子空间拒绝同步。
func (s *WikiSyncService) SyncSubwiki(ctx context.Context, subwiki *model.WikiSubwiki) (*WikiSyncResult, error) {
	started, share := s.Blocker.StartSync(subwiki.ID, subwiki.UserID)
	if !started {
		_, err := share.Wait()
		s.mu.Lock()
		result := s.results[subwiki.ID]
		s.mu.Unlock()
		return result, err
	}

	if s.Blocker.IsBlocked(subwiki.ID) {
		err := fmt.Errorf("subwiki %d is being edited, cannot sync", subwiki.ID)
		s.Blocker.FinishSync(subwiki.ID, subwiki.UserID, nil, err)
		return nil, err
	}

	logger.Log.Debug("Sync wiki offline pages", zap.Uint("subwikiId", subwiki.ID))

	result, err := s.performSync(ctx, subwiki)

	s.mu.Lock()
	s.results[subwiki.ID] = result
	s.mu.Unlock()

	var shared *SyncResult
	if result != nil {
		shared = &SyncResult{Warnings: result.Warnings, Updated: result.Updated}
	}
	s.Blocker.FinishSync(subwiki.ID, subwiki.UserID, shared, err)

	return result, err
}

// SyncSubwikiIfNeeded 距上次成功同步超过配置间隔时才同步
func (s *WikiSyncService) SyncSubwikiIfNeeded(ctx context.Context, subwiki *model.WikiSubwiki) (*WikiSyncResult, error) {
	if !s.Blocker.SyncNeeded(subwiki.ID, subwiki.UserID, s.Interval) {
		return nil, nil
	}

	return s.SyncSubwiki(ctx, subwiki)
}

// SyncWiki 同步一个wiki活动下的全部子空间，结果合并返回
func (s *WikiSyncService) SyncWiki(ctx context.Context, wiki *model.Wiki) (*WikiSyncResult, error) {
	subwikis, err := s.Repo.FindSubwikis(wiki.ID)
	if err != nil {
		return nil, err
	}

	merged := &WikiSyncResult{Warnings: []string{}}

	for i := range subwikis {
		result, err := s.SyncSubwiki(ctx, &subwikis[i])
		if err != nil {
			return merged, err
		}
		merged.Warnings = append(merged.Warnings, result.Warnings...)
		merged.Created = append(merged.Created, result.Created...)
		merged.Discarded = append(merged.Discarded, result.Discarded...)
		merged.Updated = merged.Updated || result.Updated
	}

	return merged, nil
}

// SyncAll 扫描所有存在离线页面的子空间并逐个同步，
// 每次实际执行的同步都广播wiki_auto_synced事件。单个子空间失败不中断扫描。
func (s *WikiSyncService) SyncAll(ctx context.Context) error {
	pages, err := s.Repo.GetAllNewPages()
	if err != nil {
		return err
	}

	treated := make(map[uint]bool)

	for _, page := range pages {
		if treated[page.SubwikiID] || s.Blocker.IsBlocked(page.SubwikiID) {
			continue
		}
		treated[page.SubwikiID] = true

		subwiki, err := s.Repo.FindSubwikiByID(page.SubwikiID)
		if err != nil {
			logger.Log.Warn("Skip sync of unknown subwiki",
				zap.Uint("subwikiId", page.SubwikiID), zap.Error(err))
			continue
		}

		result, err := s.SyncSubwikiIfNeeded(ctx, subwiki)
		if err != nil {
			logger.Log.Warn("Wiki auto sync failed",
				zap.Uint("subwikiId", subwiki.ID), zap.Error(err))
			continue
		}

		if result != nil && s.Bus != nil {
			s.Bus.Publish(event.Data{
				Name:      event.WikiSynced,
				SubwikiID: subwiki.ID,
				UserID:    subwiki.UserID,
				Warnings:  result.Warnings,
			})
		}
	}

	return nil
}

func (s *WikiSyncService) performSync(ctx context.Context, subwiki *model.WikiSubwiki) (*WikiSyncResult, error) {
	result := &WikiSyncResult{Warnings: []string{}}

	pages, err := s.Repo.GetNewPages(subwiki.ID)
	if err != nil {
		return nil, err
	}

	for _, page := range pages {
		pageID, err := s.Online.SaveWikiPage(ctx, page.SubwikiID, page.Title, page.Content)
		if err != nil {
			if IsValidationError(err) {
				// 站点明确拒绝这个页面，删除并继续其他页面
				logger.Log.Warn("LMS rejected wiki page, discarding",
					zap.Uint("subwikiId", page.SubwikiID), zap.String("title", page.Title), zap.Error(err))

				if delErr := s.Repo.DeleteNewPage(page.SubwikiID, page.Title); delErr != nil {
					logger.Log.Error("Failed to delete rejected wiki page", zap.Error(delErr))
					continue
				}

				warning := fmt.Sprintf("站点拒绝了离线页面 %q，该页面已删除", page.Title)
				result.Warnings = append(result.Warnings, warning)
				result.Discarded = append(result.Discarded, WikiDiscardedPage{Title: page.Title, Warning: warning})
				result.Updated = true
				continue
			}

			// 连接失败，剩余页面保留到下次同步
			return nil, err
		}

		result.Updated = true
		result.Created = append(result.Created, WikiCreatedPage{PageID: pageID, Title: page.Title})

		cached := &model.WikiPage{
			BaseModel:     model.BaseModel{ID: pageID},
			SubwikiID:     page.SubwikiID,
			Title:         page.Title,
			CachedContent: page.Content,
			AuthorID:      page.UserID,
		}
		if err := s.Repo.CreatePage(cached); err != nil {
			logger.Log.Warn("Failed to cache synced wiki page",
				zap.Uint("subwikiId", page.SubwikiID), zap.String("title", page.Title), zap.Error(err))
		}

		if err := s.Repo.DeleteNewPage(page.SubwikiID, page.Title); err != nil {
			logger.Log.Error("Failed to delete synced wiki page from queue", zap.Error(err))
		}
	}

	return result, nil
}
