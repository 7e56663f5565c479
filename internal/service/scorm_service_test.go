package service

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"mlearn_addons_backend/internal/model"
	"mlearn_addons_backend/internal/repository"
	"mlearn_addons_backend/internal/scorm"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const testUserID uint = 2

type savedSco struct {
	scormID uint
	scoID   uint
	attempt int
	tracks  []scorm.DataEntry
}

// fakeOnline 测试用的站点客户端替身
type fakeOnline struct {
	attemptsCount int
	countErr      error
	userData      map[int]scorm.UserDataMap
	userDataErr   error
	saveErrs      map[uint]error
	saved         []savedSco
}

func (f *fakeOnline) GetAttemptCount(ctx context.Context, scormID, userID uint, strategy ReadingStrategy) (int, error) {
	return f.attemptsCount, f.countErr
}

func (f *fakeOnline) GetUserData(ctx context.Context, scormID uint, attempt int, strategy ReadingStrategy) (scorm.UserDataMap, error) {
	if f.userDataErr != nil {
		return nil, f.userDataErr
	}
	if data, ok := f.userData[attempt]; ok {
		return data, nil
	}
	return scorm.UserDataMap{}, nil
}

func (f *fakeOnline) SaveTracks(ctx context.Context, scormID, scoID uint, attempt int, tracks []scorm.DataEntry) error {
	if err := f.saveErrs[scoID]; err != nil {
		return err
	}
	f.saved = append(f.saved, savedSco{scormID: scormID, scoID: scoID, attempt: attempt, tracks: tracks})
	return nil
}

func (f *fakeOnline) InvalidateAttemptCount(ctx context.Context, scormID, userID uint) {}

func (f *fakeOnline) InvalidateUserData(ctx context.Context, scormID uint, attempt int) {}

type scormTestEnv struct {
	db          *gorm.DB
	online      *fakeOnline
	scormRepo   *repository.ScormRepository
	offlineRepo *repository.ScormOfflineRepository
	svc         *ScormService
	syncSvc     *ScormSyncService
	blocker     *SyncBlocker
}

func newScormTestEnv(t *testing.T) *scormTestEnv {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	err = db.AutoMigrate(
		&model.Scorm{},
		&model.ScormSco{},
		&model.ScormOfflineTrack{},
		&model.ScormOfflineAttempt{},
	)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}

	online := &fakeOnline{
		userData: make(map[int]scorm.UserDataMap),
		saveErrs: make(map[uint]error),
	}
	scormRepo := repository.NewScormRepository(db)
	offlineRepo := repository.NewScormOfflineRepository(db)
	userRepo := repository.NewUserRepository(db)
	svc := NewScormService(scormRepo, offlineRepo, userRepo, online, nil)
	blocker := NewSyncBlocker()
	syncSvc := NewScormSyncService(scormRepo, offlineRepo, svc, online, blocker, nil, time.Minute)

	return &scormTestEnv{
		db:          db,
		online:      online,
		scormRepo:   scormRepo,
		offlineRepo: offlineRepo,
		svc:         svc,
		syncSvc:     syncSvc,
		blocker:     blocker,
	}
}

func seedScorm(t *testing.T, env *scormTestEnv, scoIDs ...uint) *model.Scorm {
	t.Helper()

	sc := &model.Scorm{
		BaseModel: model.BaseModel{ID: 10},
		CourseID:  5,
		Name:      "引言课程包",
		Standard:  true,
	}
	if err := env.db.Create(sc).Error; err != nil {
		t.Fatalf("create scorm: %v", err)
	}

	for i, id := range scoIDs {
		sco := &model.ScormSco{
			BaseModel:  model.BaseModel{ID: id},
			ScormID:    sc.ID,
			Identifier: fmt.Sprintf("item_%d", id),
			LaunchURL:  "index.html",
			ScormType:  "sco",
			Title:      fmt.Sprintf("第%d节", i+1),
			SortOrder:  i,
			IsVisible:  true,
		}
		if err := env.db.Create(sco).Error; err != nil {
			t.Fatalf("create sco %d: %v", id, err)
		}
	}

	return sc
}

// onlineScoData 构造站点返回的用户数据，status同时写入聚合字段和原始元素
func onlineScoData(statuses map[uint]string) scorm.UserDataMap {
	data := scorm.UserDataMap{}
	for scoID, status := range statuses {
		sco := scorm.NewScoUserData(scoID)
		sco.UserData["status"] = status
		sco.UserData["cmi.core.lesson_status"] = status
		data[scoID] = sco
	}
	return data
}

func TestDetermineAttemptAndMode(t *testing.T) {
	env := newScormTestEnv(t)

	cases := []struct {
		name          string
		scorm         model.Scorm
		mode          scorm.Mode
		attempt       int
		newAttempt    bool
		incomplete    bool
		canSaveTracks bool
		wantMode      scorm.Mode
		wantAttempt   int
		wantNew       bool
	}{
		{
			name: "cannot save tracks keeps attempt", scorm: model.Scorm{},
			mode: scorm.ModeReview, attempt: 2, canSaveTracks: false,
			wantMode: scorm.ModeReview, wantAttempt: 2, wantNew: false,
		},
		{
			name: "cannot save tracks with hidebrowse forces normal", scorm: model.Scorm{HideBrowse: true},
			mode: scorm.ModeBrowse, attempt: 1, canSaveTracks: false,
			wantMode: scorm.ModeNormal, wantAttempt: 1, wantNew: false,
		},
		{
			name: "browse first attempt", scorm: model.Scorm{},
			mode: scorm.ModeBrowse, attempt: 0, canSaveTracks: true,
			wantMode: scorm.ModeBrowse, wantAttempt: 1, wantNew: true,
		},
		{
			name: "browse hidden falls through to normal", scorm: model.Scorm{HideBrowse: true},
			mode: scorm.ModeBrowse, attempt: 1, incomplete: true, canSaveTracks: true,
			wantMode: scorm.ModeNormal, wantAttempt: 1, wantNew: false,
		},
		{
			name: "first attempt starts new", scorm: model.Scorm{},
			mode: scorm.ModeNormal, attempt: 0, canSaveTracks: true,
			wantMode: scorm.ModeNormal, wantAttempt: 1, wantNew: true,
		},
		{
			name: "incomplete attempt is continued", scorm: model.Scorm{},
			mode: scorm.ModeNormal, attempt: 2, newAttempt: true, incomplete: true, canSaveTracks: true,
			wantMode: scorm.ModeNormal, wantAttempt: 2, wantNew: false,
		},
		{
			name: "completed attempt reviews by default", scorm: model.Scorm{},
			mode: scorm.ModeNormal, attempt: 2, canSaveTracks: true,
			wantMode: scorm.ModeReview, wantAttempt: 2, wantNew: false,
		},
		{
			name: "force new attempt after completion", scorm: model.Scorm{ForceNewAttempt: true},
			mode: scorm.ModeNormal, attempt: 2, canSaveTracks: true,
			wantMode: scorm.ModeNormal, wantAttempt: 3, wantNew: true,
		},
		{
			name: "max attempts reached reviews instead", scorm: model.Scorm{ForceNewAttempt: true, MaxAttempt: 2},
			mode: scorm.ModeNormal, attempt: 2, canSaveTracks: true,
			wantMode: scorm.ModeReview, wantAttempt: 2, wantNew: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mode, attempt, isNew := env.svc.DetermineAttemptAndMode(
				&tc.scorm, tc.mode, tc.attempt, tc.newAttempt, tc.incomplete, tc.canSaveTracks)
			if mode != tc.wantMode || attempt != tc.wantAttempt || isNew != tc.wantNew {
				t.Fatalf("got (%s, %d, %v), want (%s, %d, %v)",
					mode, attempt, isNew, tc.wantMode, tc.wantAttempt, tc.wantNew)
			}
		})
	}
}

func TestCountAttemptsLeft(t *testing.T) {
	env := newScormTestEnv(t)

	if got := env.svc.CountAttemptsLeft(&model.Scorm{MaxAttempt: 0}, 5); got != math.MaxInt32 {
		t.Fatalf("unlimited attempts: got %d", got)
	}
	if got := env.svc.CountAttemptsLeft(&model.Scorm{MaxAttempt: 3}, 2); got != 1 {
		t.Fatalf("3 max, 2 done: got %d, want 1", got)
	}
	if got := env.svc.CountAttemptsLeft(&model.Scorm{MaxAttempt: 3}, 4); got != 0 {
		t.Fatalf("over the limit: got %d, want 0", got)
	}
}

func TestCalculateGrade(t *testing.T) {
	env := newScormTestEnv(t)

	attempts := map[int]AttemptGrade{
		1: {Num: 1, Score: 50, HasCompletedPassedSCO: true},
		2: {Num: 2, Score: 80, HasCompletedPassedSCO: false},
		3: {Num: 3, Score: 70, HasCompletedPassedSCO: true},
	}

	cases := []struct {
		name      string
		whatGrade model.AttemptsGrading
		attempts  map[int]AttemptGrade
		want      float64
	}{
		{"highest", model.HighestAttempt, attempts, 80},
		{"average rounds", model.AverageAttempt, attempts, 67},
		{"first", model.FirstAttempt, attempts, 50},
		{"last completed", model.LastAttempt, attempts, 70},
		{"no attempts", model.HighestAttempt, nil, -1},
		{
			"last falls back to first when none completed",
			model.LastAttempt,
			map[int]AttemptGrade{1: {Num: 1, Score: 30}, 2: {Num: 2, Score: 90}},
			30,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sc := &model.Scorm{WhatGrade: tc.whatGrade}
			if got := env.svc.CalculateGrade(sc, tc.attempts); got != tc.want {
				t.Fatalf("grade = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestGetAttemptCountMerge(t *testing.T) {
	env := newScormTestEnv(t)
	sc := seedScorm(t, env, 1)
	ctx := context.Background()

	env.online.attemptsCount = 2

	// 离线attempt 2与在线同号，4是离线独有
	for _, attempt := range []int{2, 4} {
		if err := env.offlineRepo.CreateNewAttempt(sc, testUserID, attempt, scorm.UserDataMap{}, nil); err != nil {
			t.Fatalf("create offline attempt %d: %v", attempt, err)
		}
	}

	count, err := env.svc.GetAttemptCount(ctx, sc.ID, testUserID, ReadPreferCache)
	if err != nil {
		t.Fatalf("GetAttemptCount: %v", err)
	}

	if len(count.Online) != 2 || count.Online[0] != 1 || count.Online[1] != 2 {
		t.Fatalf("online = %v, want [1 2]", count.Online)
	}
	if len(count.Offline) != 2 || count.Offline[0] != 2 || count.Offline[1] != 4 {
		t.Fatalf("offline = %v, want [2 4]", count.Offline)
	}
	if count.Total != 3 {
		t.Fatalf("total = %d, want 3", count.Total)
	}
	if count.LastAttempt.Number != 4 || !count.LastAttempt.Offline {
		t.Fatalf("last attempt = %+v, want offline 4", count.LastAttempt)
	}
}

func TestGetAttemptCountTieFavorsOffline(t *testing.T) {
	env := newScormTestEnv(t)
	sc := seedScorm(t, env, 1)

	env.online.attemptsCount = 2
	if err := env.offlineRepo.CreateNewAttempt(sc, testUserID, 2, scorm.UserDataMap{}, nil); err != nil {
		t.Fatalf("create offline attempt: %v", err)
	}

	count, err := env.svc.GetAttemptCount(context.Background(), sc.ID, testUserID, ReadPreferCache)
	if err != nil {
		t.Fatalf("GetAttemptCount: %v", err)
	}

	if count.LastAttempt.Number != 2 || !count.LastAttempt.Offline {
		t.Fatalf("last attempt = %+v, want offline 2", count.LastAttempt)
	}
	if count.Total != 2 {
		t.Fatalf("total = %d, want 2", count.Total)
	}
}

func TestGetAttemptGradeMethods(t *testing.T) {
	env := newScormTestEnv(t)
	seedScorm(t, env, 1, 2)
	ctx := context.Background()

	data := scorm.UserDataMap{}
	sco1 := scorm.NewScoUserData(1)
	sco1.UserData["status"] = "passed"
	sco1.UserData["score_raw"] = "40"
	sco2 := scorm.NewScoUserData(2)
	sco2.UserData["status"] = "incomplete"
	sco2.UserData["score_raw"] = "60"
	data[1] = sco1
	data[2] = sco2
	env.online.userData[1] = data

	cases := []struct {
		method    model.GradingMethod
		wantScore float64
	}{
		{model.GradeHighest, 60},
		{model.GradeSum, 100},
		{model.GradeAverage, 50},
		{model.GradeScoes, 1},
	}

	for _, tc := range cases {
		sc := &model.Scorm{BaseModel: model.BaseModel{ID: 10}, GradeMethod: tc.method}
		grade, err := env.svc.GetAttemptGrade(ctx, sc, testUserID, 1, false)
		if err != nil {
			t.Fatalf("GetAttemptGrade(%v): %v", tc.method, err)
		}
		if grade.Score != tc.wantScore {
			t.Fatalf("method %v: score = %v, want %v", tc.method, grade.Score, tc.wantScore)
		}
		if !grade.HasCompletedPassedSCO {
			t.Fatalf("method %v: should report a completed SCO", tc.method)
		}
	}
}

func TestIsAttemptIncomplete(t *testing.T) {
	env := newScormTestEnv(t)
	sc := seedScorm(t, env, 1, 2)
	ctx := context.Background()

	env.online.userData[1] = onlineScoData(map[uint]string{1: "completed", 2: "passed"})
	incomplete, err := env.svc.IsAttemptIncomplete(ctx, sc, testUserID, 1, false, ReadPreferCache)
	if err != nil {
		t.Fatalf("IsAttemptIncomplete: %v", err)
	}
	if incomplete {
		t.Fatalf("all SCOs finished, attempt should be complete")
	}

	env.online.userData[1] = onlineScoData(map[uint]string{1: "completed", 2: "incomplete"})
	incomplete, err = env.svc.IsAttemptIncomplete(ctx, sc, testUserID, 1, false, ReadPreferCache)
	if err != nil {
		t.Fatalf("IsAttemptIncomplete: %v", err)
	}
	if !incomplete {
		t.Fatalf("one SCO incomplete, attempt should be incomplete")
	}

	// 不可见的SCO不参与判断
	data := onlineScoData(map[uint]string{1: "completed", 2: "incomplete"})
	data[2].UserData["isvisible"] = "false"
	env.online.userData[1] = data
	incomplete, err = env.svc.IsAttemptIncomplete(ctx, sc, testUserID, 1, false, ReadPreferCache)
	if err != nil {
		t.Fatalf("IsAttemptIncomplete: %v", err)
	}
	if incomplete {
		t.Fatalf("hidden SCO should not make the attempt incomplete")
	}
}

func TestGetOrganizationToc(t *testing.T) {
	env := newScormTestEnv(t)
	sc := seedScorm(t, env)
	ctx := context.Background()

	scos := []model.ScormSco{
		{BaseModel: model.BaseModel{ID: 1}, ScormID: 10, Identifier: "chapter_1", Parent: "org_1", Title: "第一章", IsVisible: true},
		{BaseModel: model.BaseModel{ID: 2}, ScormID: 10, Identifier: "lesson_1", Parent: "chapter_1", LaunchURL: "l1.html", ScormType: "sco", IsVisible: true},
		{BaseModel: model.BaseModel{ID: 3}, ScormID: 10, Identifier: "lesson_2", Parent: "chapter_1", LaunchURL: "l2.html", ScormType: "sco", IsVisible: true},
	}
	for i := range scos {
		if err := env.db.Create(&scos[i]).Error; err != nil {
			t.Fatalf("create sco: %v", err)
		}
	}

	env.online.userData[1] = onlineScoData(map[uint]string{2: "completed", 3: "incomplete"})

	toc, err := env.svc.GetOrganizationToc(ctx, sc, testUserID, 1, "org_1", false)
	if err != nil {
		t.Fatalf("GetOrganizationToc: %v", err)
	}

	if len(toc) != 1 {
		t.Fatalf("roots = %d, want 1", len(toc))
	}
	if toc[0].Identifier != "chapter_1" || len(toc[0].Children) != 2 {
		t.Fatalf("chapter node wrong: %+v", toc[0])
	}
	if toc[0].Children[0].Status != "completed" || toc[0].Children[1].Status != "incomplete" {
		t.Fatalf("child statuses wrong: %s, %s",
			toc[0].Children[0].Status, toc[0].Children[1].Status)
	}
}
