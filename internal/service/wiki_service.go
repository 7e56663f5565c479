package service

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"mlearn_addons_backend/internal/model"
	"mlearn_addons_backend/internal/repository"
	"mlearn_addons_backend/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// WikiOnlineClient 站点wiki写入接口
type WikiOnlineClient interface {
	SaveWikiPage(ctx context.Context, subwikiID uint, title, content string) (uint, error)
}

// WikiPageSummary 页面列表条目，离线排队的页面带Offline标记
type WikiPageSummary struct {
	model.WikiPage
	Offline bool `json:"offline"`
}

// CreatePageResult 新建页面的结果。
// 页面发送到站点时返回站点分配的ID，进入离线队列时Queued为true。
type CreatePageResult struct {
	PageID uint `json:"pageId"`
	Queued bool `json:"queued"`
}

// WikiService wiki页面读写。
// 离线新建的页面进入待同步队列，联网后由WikiSyncService推送。
type WikiService struct {
	Repo    *repository.WikiRepository
	Online  WikiOnlineClient
	Blocker *SyncBlocker
}

func NewWikiService(repo *repository.WikiRepository, online WikiOnlineClient, blocker *SyncBlocker) *WikiService {
	return &WikiService{Repo: repo, Online: online, Blocker: blocker}
}

// GetWiki 获取wiki活动
func (s *WikiService) GetWiki(id uint) (*model.Wiki, error) {
	return s.Repo.FindByID(id)
}

// GetCourseWikis 获取课程下的wiki活动
func (s *WikiService) GetCourseWikis(courseID uint) ([]model.Wiki, error) {
	return s.Repo.FindByCourse(courseID)
}

// GetSubwiki 定位子空间，不存在时创建
func (s *WikiService) GetSubwiki(wikiID, groupID, userID uint) (*model.WikiSubwiki, error) {
	return s.Repo.GetOrCreateSubwiki(wikiID, groupID, userID)
}

// GetSubwikiPages 获取子空间的页面列表，合并已保存页面和离线排队页面，按标题排序
func (s *WikiService) GetSubwikiPages(subwikiID uint) ([]WikiPageSummary, error) {
	pages, err := s.Repo.FindPages(subwikiID)
	if err != nil {
		return nil, err
	}

	newPages, err := s.Repo.GetNewPages(subwikiID)
	if err != nil {
		return nil, err
	}

	summaries := make([]WikiPageSummary, 0, len(pages)+len(newPages))
	titles := make(map[string]bool, len(pages))

	for _, page := range pages {
		summaries = append(summaries, WikiPageSummary{WikiPage: page})
		titles[page.Title] = true
	}

	for _, page := range newPages {
		if titles[page.Title] {
			continue
		}
		summaries = append(summaries, WikiPageSummary{
			WikiPage: model.WikiPage{
				SubwikiID:     page.SubwikiID,
				Title:         page.Title,
				CachedContent: page.Content,
				AuthorID:      page.UserID,
			},
			Offline: true,
		})
	}

	sort.Slice(summaries, func(i, j int) bool {
		return strings.ToLower(summaries[i].Title) < strings.ToLower(summaries[j].Title)
	})

	return summaries, nil
}

// GetPageContents 读取页面内容，已保存页面优先，其次是离线排队页面
func (s *WikiService) GetPageContents(subwikiID uint, title string) (*WikiPageSummary, error) {
	page, err := s.Repo.FindPageByTitle(subwikiID, title)
	if err == nil {
		return &WikiPageSummary{WikiPage: *page}, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	newPage, err := s.Repo.GetNewPage(subwikiID, title)
	if err != nil {
		return nil, err
	}

	return &WikiPageSummary{
		WikiPage: model.WikiPage{
			SubwikiID:     newPage.SubwikiID,
			Title:         newPage.Title,
			CachedContent: newPage.Content,
			AuthorID:      newPage.UserID,
		},
		Offline: true,
	}, nil
}

// CreatePage 新建页面。
// 同一子空间内标题唯一，已保存或排队中的同名页面会被拒绝。
// offline为true时直接入队；在线发送遇到连接失败时降级入队，
// 站点校验拒绝则原样返回错误。
func (s *WikiService) CreatePage(
	ctx context.Context,
	wiki *model.Wiki,
	subwiki *model.WikiSubwiki,
	userID uint,
	title, content string,
	offline bool,
) (*CreatePageResult, error) {
	if _, err := s.Repo.FindPageByTitle(subwiki.ID, title); err == nil {
		return nil, fmt.Errorf("page %q already exists in subwiki %d", title, subwiki.ID)
	} else if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	if _, err := s.Repo.GetNewPage(subwiki.ID, title); err == nil {
		return nil, fmt.Errorf("page %q is already queued in subwiki %d", title, subwiki.ID)
	} else if err != gorm.ErrRecordNotFound {
		return nil, err
	}

	if !offline {
		pageID, err := s.Online.SaveWikiPage(ctx, subwiki.ID, title, content)
		if err == nil {
			page := &model.WikiPage{
				BaseModel: model.BaseModel{ID: pageID},
				SubwikiID: subwiki.ID,
				Title:     title,
				// 本地缓存一份，离线浏览时可读
				CachedContent: content,
				AuthorID:      userID,
			}
			if saveErr := s.Repo.CreatePage(page); saveErr != nil {
				logger.Log.Warn("Failed to cache wiki page locally",
					zap.Uint("subwikiId", subwiki.ID), zap.String("title", title), zap.Error(saveErr))
			}
			return &CreatePageResult{PageID: pageID}, nil
		}

		if IsValidationError(err) {
			return nil, err
		}

		logger.Log.Debug("Site unreachable, queueing wiki page for sync",
			zap.Uint("subwikiId", subwiki.ID), zap.String("title", title), zap.Error(err))
	}

	newPage := &model.WikiNewPage{
		SubwikiID: subwiki.ID,
		Title:     title,
		WikiID:    wiki.ID,
		UserID:    userID,
		GroupID:   subwiki.GroupID,
		Content:   content,
	}
	if err := s.Repo.SaveNewPage(newPage); err != nil {
		return nil, err
	}

	return &CreatePageResult{Queued: true}, nil
}

// StartEdit 编辑期间阻塞子空间的同步
func (s *WikiService) StartEdit(subwikiID uint, token string) {
	s.Blocker.Block(subwikiID, "edit:"+token)
}

// FinishEdit 编辑结束解除阻塞
func (s *WikiService) FinishEdit(subwikiID uint, token string) {
	s.Blocker.Unblock(subwikiID, "edit:"+token)
}
