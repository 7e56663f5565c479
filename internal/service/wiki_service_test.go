package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"mlearn_addons_backend/internal/model"
	"mlearn_addons_backend/internal/repository"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type savedWikiPage struct {
	subwikiID uint
	title     string
	content   string
}

// fakeWikiOnline 测试用的站点wiki客户端替身
type fakeWikiOnline struct {
	nextID uint
	errs   map[string]error
	saved  []savedWikiPage
}

func (f *fakeWikiOnline) SaveWikiPage(ctx context.Context, subwikiID uint, title, content string) (uint, error) {
	if err := f.errs[title]; err != nil {
		return 0, err
	}
	f.nextID++
	f.saved = append(f.saved, savedWikiPage{subwikiID: subwikiID, title: title, content: content})
	return f.nextID, nil
}

type wikiTestEnv struct {
	db      *gorm.DB
	online  *fakeWikiOnline
	repo    *repository.WikiRepository
	svc     *WikiService
	syncSvc *WikiSyncService
	blocker *SyncBlocker
	wiki    *model.Wiki
	subwiki *model.WikiSubwiki
}

func newWikiTestEnv(t *testing.T) *wikiTestEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&model.Wiki{},
		&model.WikiSubwiki{},
		&model.WikiPage{},
		&model.WikiNewPage{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	online := &fakeWikiOnline{errs: make(map[string]error)}
	repo := repository.NewWikiRepository(db)
	blocker := NewSyncBlocker()

	wiki := &model.Wiki{BaseModel: model.BaseModel{ID: 7}, CourseID: 5, Name: "课程维基"}
	if err := db.Create(wiki).Error; err != nil {
		t.Fatalf("create wiki: %v", err)
	}
	subwiki := &model.WikiSubwiki{BaseModel: model.BaseModel{ID: 3}, WikiID: wiki.ID, UserID: testUserID}
	if err := db.Create(subwiki).Error; err != nil {
		t.Fatalf("create subwiki: %v", err)
	}

	return &wikiTestEnv{
		db:      db,
		online:  online,
		repo:    repo,
		svc:     NewWikiService(repo, online, blocker),
		syncSvc: NewWikiSyncService(repo, online, blocker, nil, time.Minute),
		blocker: blocker,
		wiki:    wiki,
		subwiki: subwiki,
	}
}

func queueWikiPage(t *testing.T, env *wikiTestEnv, title, content string, created int64) {
	t.Helper()

	page := &model.WikiNewPage{
		SubwikiID:   env.subwiki.ID,
		Title:       title,
		WikiID:      env.wiki.ID,
		UserID:      testUserID,
		Content:     content,
		TimeCreated: created,
	}
	if err := env.repo.SaveNewPage(page); err != nil {
		t.Fatalf("queue page %q: %v", title, err)
	}
}

func TestWikiCreatePageOnline(t *testing.T) {
	env := newWikiTestEnv(t)

	result, err := env.svc.CreatePage(context.Background(), env.wiki, env.subwiki, testUserID, "第一章", "正文", false)
	if err != nil {
		t.Fatalf("CreatePage: %v", err)
	}
	if result.Queued || result.PageID == 0 {
		t.Fatalf("result = %+v, want online page id", result)
	}

	// 页面同时缓存到本地
	page, err := env.repo.FindPageByTitle(env.subwiki.ID, "第一章")
	if err != nil {
		t.Fatalf("page should be cached locally: %v", err)
	}
	if page.CachedContent != "正文" {
		t.Fatalf("cached content = %q", page.CachedContent)
	}

	if pages, _ := env.repo.GetNewPages(env.subwiki.ID); len(pages) != 0 {
		t.Fatalf("nothing should be queued, have %d", len(pages))
	}
}

func TestWikiCreatePageOfflineQueues(t *testing.T) {
	env := newWikiTestEnv(t)

	result, err := env.svc.CreatePage(context.Background(), env.wiki, env.subwiki, testUserID, "离线页", "草稿", true)
	if err != nil {
		t.Fatalf("CreatePage: %v", err)
	}
	if !result.Queued {
		t.Fatalf("result = %+v, want queued", result)
	}

	if len(env.online.saved) != 0 {
		t.Fatalf("offline create must not hit the site")
	}
	if _, err := env.repo.GetNewPage(env.subwiki.ID, "离线页"); err != nil {
		t.Fatalf("page should be queued: %v", err)
	}
}

func TestWikiCreatePageFallsBackOnConnectivity(t *testing.T) {
	env := newWikiTestEnv(t)
	env.online.errs["新页"] = &OnlineError{Err: errors.New("network down")}

	result, err := env.svc.CreatePage(context.Background(), env.wiki, env.subwiki, testUserID, "新页", "内容", false)
	if err != nil {
		t.Fatalf("connectivity failure should queue, not fail: %v", err)
	}
	if !result.Queued {
		t.Fatalf("result = %+v, want queued", result)
	}
	if _, err := env.repo.GetNewPage(env.subwiki.ID, "新页"); err != nil {
		t.Fatalf("page should be queued: %v", err)
	}
}

func TestWikiCreatePageValidationFails(t *testing.T) {
	env := newWikiTestEnv(t)
	env.online.errs["坏页"] = &OnlineError{Validation: true, Err: errors.New("bad title")}

	if _, err := env.svc.CreatePage(context.Background(), env.wiki, env.subwiki, testUserID, "坏页", "内容", false); err == nil {
		t.Fatalf("validation rejection should fail the create")
	}
	if pages, _ := env.repo.GetNewPages(env.subwiki.ID); len(pages) != 0 {
		t.Fatalf("rejected page must not be queued")
	}
}

func TestWikiCreatePageDuplicateTitle(t *testing.T) {
	env := newWikiTestEnv(t)

	if _, err := env.svc.CreatePage(context.Background(), env.wiki, env.subwiki, testUserID, "重复", "v1", true); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if _, err := env.svc.CreatePage(context.Background(), env.wiki, env.subwiki, testUserID, "重复", "v2", true); err == nil {
		t.Fatalf("duplicate title should be rejected")
	}
}

func TestWikiSubwikiPagesMerge(t *testing.T) {
	env := newWikiTestEnv(t)

	err := env.repo.CreatePage(&model.WikiPage{SubwikiID: env.subwiki.ID, Title: "Alpha", CachedContent: "a"})
	if err != nil {
		t.Fatalf("create page: %v", err)
	}
	queueWikiPage(t, env, "beta", "b", 100)

	pages, err := env.svc.GetSubwikiPages(env.subwiki.ID)
	if err != nil {
		t.Fatalf("GetSubwikiPages: %v", err)
	}
	if len(pages) != 2 {
		t.Fatalf("got %d pages, want 2", len(pages))
	}
	if pages[0].Title != "Alpha" || pages[0].Offline {
		t.Fatalf("pages[0] = %+v", pages[0])
	}
	if pages[1].Title != "beta" || !pages[1].Offline {
		t.Fatalf("pages[1] = %+v", pages[1])
	}
}

func TestWikiSyncSendsQueuedPages(t *testing.T) {
	env := newWikiTestEnv(t)
	queueWikiPage(t, env, "第一页", "a", 100)
	queueWikiPage(t, env, "第二页", "b", 200)

	result, err := env.syncSvc.SyncSubwiki(context.Background(), env.subwiki)
	if err != nil {
		t.Fatalf("SyncSubwiki: %v", err)
	}
	if !result.Updated || len(result.Created) != 2 {
		t.Fatalf("result = %+v, want 2 created", result)
	}
	if result.Created[0].Title != "第一页" || result.Created[1].Title != "第二页" {
		t.Fatalf("created order = %+v, want creation time order", result.Created)
	}

	if pages, _ := env.repo.GetNewPages(env.subwiki.ID); len(pages) != 0 {
		t.Fatalf("queue should be drained, have %d", len(pages))
	}
	// 同步成功的页面缓存到本地
	if _, err := env.repo.FindPageByTitle(env.subwiki.ID, "第一页"); err != nil {
		t.Fatalf("synced page should be cached: %v", err)
	}
}

func TestWikiSyncValidationDiscards(t *testing.T) {
	env := newWikiTestEnv(t)
	queueWikiPage(t, env, "好页", "a", 100)
	queueWikiPage(t, env, "坏页", "b", 200)
	env.online.errs["坏页"] = &OnlineError{Validation: true, Err: errors.New("rejected")}

	result, err := env.syncSvc.SyncSubwiki(context.Background(), env.subwiki)
	if err != nil {
		t.Fatalf("validation rejection must not abort the sync: %v", err)
	}
	if len(result.Created) != 1 || result.Created[0].Title != "好页" {
		t.Fatalf("created = %+v", result.Created)
	}
	if len(result.Discarded) != 1 || result.Discarded[0].Title != "坏页" {
		t.Fatalf("discarded = %+v", result.Discarded)
	}
	if len(result.Warnings) != 1 {
		t.Fatalf("warnings = %v", result.Warnings)
	}
	if pages, _ := env.repo.GetNewPages(env.subwiki.ID); len(pages) != 0 {
		t.Fatalf("rejected page should be removed from the queue")
	}
}

func TestWikiSyncConnectivityKeepsPages(t *testing.T) {
	env := newWikiTestEnv(t)
	queueWikiPage(t, env, "留存页", "a", 100)
	env.online.errs["留存页"] = &OnlineError{Err: errors.New("timeout")}

	if _, err := env.syncSvc.SyncSubwiki(context.Background(), env.subwiki); err == nil {
		t.Fatalf("connectivity failure should abort the sync")
	}
	if pages, _ := env.repo.GetNewPages(env.subwiki.ID); len(pages) != 1 {
		t.Fatalf("page must survive a failed sync")
	}
}

func TestWikiSyncBlockedWhileEditing(t *testing.T) {
	env := newWikiTestEnv(t)
	queueWikiPage(t, env, "编辑中", "a", 100)

	env.svc.StartEdit(env.subwiki.ID, "tok")
	if _, err := env.syncSvc.SyncSubwiki(context.Background(), env.subwiki); err == nil {
		t.Fatalf("sync should be rejected while the subwiki is being edited")
	}

	env.svc.FinishEdit(env.subwiki.ID, "tok")
	if _, err := env.syncSvc.SyncSubwiki(context.Background(), env.subwiki); err != nil {
		t.Fatalf("sync after edit finished: %v", err)
	}
}

func TestWikiSyncAllDrainsQueue(t *testing.T) {
	env := newWikiTestEnv(t)
	queueWikiPage(t, env, "自动页", "a", 100)

	if err := env.syncSvc.SyncAll(context.Background()); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}
	if pages, _ := env.repo.GetNewPages(env.subwiki.ID); len(pages) != 0 {
		t.Fatalf("SyncAll should drain the queue")
	}
}
