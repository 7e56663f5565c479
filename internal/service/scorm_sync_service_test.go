package service

import (
	"context"
	"errors"
	"strings"
	"testing"

	"mlearn_addons_backend/internal/model"
	"mlearn_addons_backend/internal/scorm"
)

// seedOfflineAttempt 在离线库创建一个attempt并写入SCO元素
func seedOfflineAttempt(t *testing.T, env *scormTestEnv, sc *model.Scorm, attempt int, scoElements map[uint]map[string]string) {
	t.Helper()

	data := scorm.UserDataMap{}
	for scoID, elements := range scoElements {
		sco := scorm.NewScoUserData(scoID)
		for element, value := range elements {
			sco.UserData[element] = value
		}
		data[scoID] = sco
	}

	if err := env.offlineRepo.CreateNewAttempt(sc, testUserID, attempt, data, nil); err != nil {
		t.Fatalf("create offline attempt %d: %v", attempt, err)
	}
}

func offlineAttemptNumbers(t *testing.T, env *scormTestEnv, scormID uint) []int {
	t.Helper()

	entries, err := env.offlineRepo.GetAttempts(scormID, testUserID)
	if err != nil {
		t.Fatalf("get attempts: %v", err)
	}

	numbers := make([]int, 0, len(entries))
	for _, entry := range entries {
		numbers = append(numbers, entry.Attempt)
	}

	return numbers
}

func TestSyncNothingToSync(t *testing.T) {
	env := newScormTestEnv(t)
	sc := seedScorm(t, env, 1)

	env.online.attemptsCount = 1
	env.online.userData[1] = onlineScoData(map[uint]string{1: "completed"})

	result, err := env.syncSvc.SyncScorm(context.Background(), sc, testUserID)
	if err != nil {
		t.Fatalf("SyncScorm: %v", err)
	}
	if result.Updated {
		t.Fatalf("nothing to sync, updated should be false")
	}
	if len(result.Warnings) != 0 {
		t.Fatalf("warnings = %v, want none", result.Warnings)
	}
	if len(env.online.saved) != 0 {
		t.Fatalf("no tracks should be sent, got %d calls", len(env.online.saved))
	}
}

func TestSyncSendsOfflineAttempts(t *testing.T) {
	env := newScormTestEnv(t)
	sc := seedScorm(t, env, 1)

	env.online.attemptsCount = 1
	env.online.userData[1] = onlineScoData(map[uint]string{1: "completed"})

	seedOfflineAttempt(t, env, sc, 2, map[uint]map[string]string{
		1: {
			"cmi.core.lesson_status": "passed",
			"cmi.core.score.raw":     "88",
			"status":                 "passed",
		},
	})

	result, err := env.syncSvc.SyncScorm(context.Background(), sc, testUserID)
	if err != nil {
		t.Fatalf("SyncScorm: %v", err)
	}
	if !result.Updated {
		t.Fatalf("updated should be true")
	}

	if len(env.online.saved) != 1 {
		t.Fatalf("saved calls = %d, want 1", len(env.online.saved))
	}
	call := env.online.saved[0]
	if call.attempt != 2 || call.scoID != 1 {
		t.Fatalf("saved attempt %d sco %d, want attempt 2 sco 1", call.attempt, call.scoID)
	}
	// 只上传带点号的数据模型元素，本地聚合字段不上传
	if len(call.tracks) != 2 {
		t.Fatalf("sent %d tracks, want 2", len(call.tracks))
	}
	for _, track := range call.tracks {
		if !strings.Contains(track.Element, ".") {
			t.Fatalf("aggregate element %q was sent", track.Element)
		}
	}

	if numbers := offlineAttemptNumbers(t, env, sc.ID); len(numbers) != 0 {
		t.Fatalf("synced attempts should be deleted, still have %v", numbers)
	}
}

func TestSyncBlockedByOnlineIncomplete(t *testing.T) {
	env := newScormTestEnv(t)
	sc := seedScorm(t, env, 1)

	env.online.attemptsCount = 1
	env.online.userData[1] = onlineScoData(map[uint]string{1: "incomplete"})

	seedOfflineAttempt(t, env, sc, 2, map[uint]map[string]string{
		1: {"cmi.core.lesson_status": "passed"},
	})

	result, err := env.syncSvc.SyncScorm(context.Background(), sc, testUserID)
	if err != nil {
		t.Fatalf("SyncScorm: %v", err)
	}
	if result.Updated {
		t.Fatalf("offline attempts must not be sent while online attempt is incomplete")
	}
	if len(result.Warnings) != 1 || result.Warnings[0] != warningOnlineIncomplete {
		t.Fatalf("warnings = %v", result.Warnings)
	}
	if numbers := offlineAttemptNumbers(t, env, sc.ID); len(numbers) != 1 {
		t.Fatalf("offline attempt should be kept, have %v", numbers)
	}
	if len(env.online.saved) != 0 {
		t.Fatalf("no tracks should be sent")
	}
}

func TestSyncCollisionWithoutSnapshotBecomesNewAttempt(t *testing.T) {
	env := newScormTestEnv(t)
	sc := seedScorm(t, env, 1)

	env.online.attemptsCount = 1
	env.online.userData[1] = onlineScoData(map[uint]string{1: "completed"})

	// 离线attempt 1与在线同号但没有快照，说明是另一次attempt
	seedOfflineAttempt(t, env, sc, 1, map[uint]map[string]string{
		1: {"cmi.core.lesson_status": "completed", "cmi.core.score.raw": "70"},
	})
	seedOfflineAttempt(t, env, sc, 2, map[uint]map[string]string{
		1: {"cmi.core.lesson_status": "completed", "cmi.core.score.raw": "90"},
	})

	result, err := env.syncSvc.SyncScorm(context.Background(), sc, testUserID)
	if err != nil {
		t.Fatalf("SyncScorm: %v", err)
	}
	if !result.Updated {
		t.Fatalf("updated should be true")
	}

	// attempt 1被改成2，原attempt 2顺延成3，然后全部同步
	sent := map[int]bool{}
	for _, call := range env.online.saved {
		sent[call.attempt] = true
	}
	if !sent[2] || !sent[3] || sent[1] {
		t.Fatalf("saved attempts = %v, want {2,3}", sent)
	}

	if numbers := offlineAttemptNumbers(t, env, sc.ID); len(numbers) != 0 {
		t.Fatalf("all attempts should be synced and deleted, have %v", numbers)
	}
}

func TestSyncCollisionContinuationMerges(t *testing.T) {
	env := newScormTestEnv(t)
	sc := seedScorm(t, env, 1)

	siteData := onlineScoData(map[uint]string{1: "incomplete"})
	env.online.attemptsCount = 1
	env.online.userData[1] = siteData

	// 在线attempt 1在离线被续作：本地以站点数据为底并保存了快照
	baseData := onlineScoData(map[uint]string{1: "incomplete"})
	if err := env.offlineRepo.CreateNewAttempt(sc, testUserID, 1, baseData, baseData); err != nil {
		t.Fatalf("create offline attempt: %v", err)
	}
	if err := env.offlineRepo.InsertTrack(sc.ID, 1, testUserID, 1, "cmi.core.lesson_location", "page4", false, nil); err != nil {
		t.Fatalf("insert track: %v", err)
	}

	result, err := env.syncSvc.SyncScorm(context.Background(), sc, testUserID)
	if err != nil {
		t.Fatalf("SyncScorm: %v", err)
	}
	if !result.Updated {
		t.Fatalf("updated should be true")
	}

	// 快照与站点一致，作为同一attempt续传而不是转成新attempt
	if len(env.online.saved) != 1 || env.online.saved[0].attempt != 1 {
		t.Fatalf("saved = %+v, want one call for attempt 1", env.online.saved)
	}
	if numbers := offlineAttemptNumbers(t, env, sc.ID); len(numbers) != 0 {
		t.Fatalf("attempt should be deleted after sync, have %v", numbers)
	}
}

func TestSyncRetriesFailedSync(t *testing.T) {
	env := newScormTestEnv(t)
	sc := seedScorm(t, env, 1, 2)

	siteData := onlineScoData(map[uint]string{1: "completed", 2: "completed"})
	env.online.attemptsCount = 1
	env.online.userData[1] = siteData

	seedOfflineAttempt(t, env, sc, 1, map[uint]map[string]string{
		1: {"cmi.core.lesson_status": "completed"},
		2: {"cmi.core.lesson_status": "completed", "cmi.core.score.raw": "55"},
	})

	// 模拟上次同步：SCO 1已发送成功，之后保存了与站点一致的快照
	if err := env.offlineRepo.MarkAsSynced(sc.ID, testUserID, 1, 1); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	if err := env.offlineRepo.SetAttemptSnapshot(sc.ID, testUserID, 1, siteData); err != nil {
		t.Fatalf("set snapshot: %v", err)
	}

	result, err := env.syncSvc.SyncScorm(context.Background(), sc, testUserID)
	if err != nil {
		t.Fatalf("SyncScorm: %v", err)
	}
	if !result.Updated {
		t.Fatalf("updated should be true")
	}

	// 只重发未同步的SCO 2
	if len(env.online.saved) != 1 {
		t.Fatalf("saved calls = %d, want 1", len(env.online.saved))
	}
	if env.online.saved[0].scoID != 2 || env.online.saved[0].attempt != 1 {
		t.Fatalf("saved = %+v, want sco 2 attempt 1", env.online.saved[0])
	}
	if numbers := offlineAttemptNumbers(t, env, sc.ID); len(numbers) != 0 {
		t.Fatalf("attempt should be deleted after retry, have %v", numbers)
	}
}

func TestSyncValidationDiscardsScoData(t *testing.T) {
	env := newScormTestEnv(t)
	sc := seedScorm(t, env, 1, 2)

	env.online.attemptsCount = 1
	env.online.userData[1] = onlineScoData(map[uint]string{1: "completed", 2: "completed"})
	env.online.saveErrs[2] = &OnlineError{Validation: true, Err: errors.New("invalid element")}

	seedOfflineAttempt(t, env, sc, 2, map[uint]map[string]string{
		1: {"cmi.core.lesson_status": "passed"},
		2: {"cmi.core.lesson_status": "failed"},
	})

	result, err := env.syncSvc.SyncScorm(context.Background(), sc, testUserID)
	if err != nil {
		t.Fatalf("validation rejection must not abort the sync: %v", err)
	}
	if !result.Updated {
		t.Fatalf("updated should be true")
	}
	if len(result.Warnings) != 1 || !strings.Contains(result.Warnings[0], "拒绝") {
		t.Fatalf("warnings = %v, want one rejection warning", result.Warnings)
	}

	if len(env.online.saved) != 1 || env.online.saved[0].scoID != 1 {
		t.Fatalf("saved = %+v, want only sco 1", env.online.saved)
	}
	if numbers := offlineAttemptNumbers(t, env, sc.ID); len(numbers) != 0 {
		t.Fatalf("attempt should be deleted after discarding rejected data, have %v", numbers)
	}
}

func TestSyncConnectivityAborts(t *testing.T) {
	env := newScormTestEnv(t)
	sc := seedScorm(t, env, 1)

	env.online.countErr = &OnlineError{Err: errors.New("network down")}
	seedOfflineAttempt(t, env, sc, 1, map[uint]map[string]string{
		1: {"cmi.core.lesson_status": "completed"},
	})

	if _, err := env.syncSvc.SyncScorm(context.Background(), sc, testUserID); err == nil {
		t.Fatalf("sync should fail when the site is unreachable")
	}
	if numbers := offlineAttemptNumbers(t, env, sc.ID); len(numbers) != 1 {
		t.Fatalf("offline attempt must survive a failed sync, have %v", numbers)
	}
}

func TestSyncPartialFailureSavesSnapshot(t *testing.T) {
	env := newScormTestEnv(t)
	sc := seedScorm(t, env, 1, 2)

	env.online.attemptsCount = 1
	env.online.userData[1] = onlineScoData(map[uint]string{1: "completed", 2: "completed"})
	env.online.userData[2] = onlineScoData(map[uint]string{1: "passed"})
	env.online.saveErrs[2] = &OnlineError{Err: errors.New("timeout")}

	seedOfflineAttempt(t, env, sc, 2, map[uint]map[string]string{
		1: {"cmi.core.lesson_status": "passed"},
		2: {"cmi.core.lesson_status": "failed"},
	})

	if _, err := env.syncSvc.SyncScorm(context.Background(), sc, testUserID); err == nil {
		t.Fatalf("partial connectivity failure should abort the sync")
	}

	// 部分SCO已发送，应保存现场快照供下次重试比对
	snapshot, err := env.offlineRepo.GetAttemptSnapshot(sc.ID, testUserID, 2)
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if snapshot == nil || snapshot[1] == nil {
		t.Fatalf("snapshot should be saved after partial sync, got %v", snapshot)
	}

	// 成功发送的SCO 1已标记，剩余的SCO 2保持未同步
	synced, err := env.offlineRepo.GetScormStoredData(sc.ID, testUserID, 2, false, true)
	if err != nil {
		t.Fatalf("get synced data: %v", err)
	}
	if len(synced) == 0 {
		t.Fatalf("sco 1 tracks should be marked as synced")
	}
	for _, track := range synced {
		if track.ScoID != 1 {
			t.Fatalf("unexpected synced track for sco %d", track.ScoID)
		}
	}
}

func TestSyncSkipsAttemptsOverLimit(t *testing.T) {
	env := newScormTestEnv(t)
	sc := seedScorm(t, env, 1)
	sc.MaxAttempt = 1
	if err := env.db.Save(sc).Error; err != nil {
		t.Fatalf("save scorm: %v", err)
	}

	env.online.attemptsCount = 1
	env.online.userData[1] = onlineScoData(map[uint]string{1: "completed"})

	seedOfflineAttempt(t, env, sc, 2, map[uint]map[string]string{
		1: {"cmi.core.lesson_status": "passed"},
	})

	if _, err := env.syncSvc.SyncScorm(context.Background(), sc, testUserID); err != nil {
		t.Fatalf("SyncScorm: %v", err)
	}
	if len(env.online.saved) != 0 {
		t.Fatalf("attempts over the limit must not be sent")
	}
	if numbers := offlineAttemptNumbers(t, env, sc.ID); len(numbers) != 1 {
		t.Fatalf("skipped attempt should remain, have %v", numbers)
	}
}

func TestSyncRespectsBlock(t *testing.T) {
	env := newScormTestEnv(t)
	sc := seedScorm(t, env, 1)

	env.blocker.Block(sc.ID, "player:abc")

	if _, err := env.syncSvc.SyncScorm(context.Background(), sc, testUserID); err == nil {
		t.Fatalf("sync should be rejected while the scorm is blocked")
	}
	if len(env.online.saved) != 0 {
		t.Fatalf("no tracks should be sent while blocked")
	}
}

func TestSyncAllDrainsEveryUser(t *testing.T) {
	env := newScormTestEnv(t)
	sc := seedScorm(t, env, 1)

	env.online.attemptsCount = 0

	seedOfflineAttempt(t, env, sc, 1, map[uint]map[string]string{
		1: {"cmi.core.lesson_status": "completed"},
	})
	seedOfflineAttempt(t, env, sc, 2, map[uint]map[string]string{
		1: {"cmi.core.lesson_status": "passed"},
	})

	if err := env.syncSvc.SyncAll(context.Background()); err != nil {
		t.Fatalf("SyncAll: %v", err)
	}

	if numbers := offlineAttemptNumbers(t, env, sc.ID); len(numbers) != 0 {
		t.Fatalf("SyncAll should drain offline attempts, have %v", numbers)
	}
}

func TestSnapshotEquals(t *testing.T) {
	base := func() scorm.UserDataMap {
		return onlineScoData(map[uint]string{1: "completed"})
	}

	cases := []struct {
		name     string
		snapshot scorm.UserDataMap
		site     scorm.UserDataMap
		want     bool
	}{
		{"identical", base(), base(), true},
		{
			"dotted value differs",
			base(),
			onlineScoData(map[uint]string{1: "incomplete"}),
			false,
		},
		{
			"site has extra dotted element",
			base(),
			func() scorm.UserDataMap {
				data := base()
				data[1].UserData["cmi.core.lesson_location"] = "page9"
				return data
			}(),
			false,
		},
		{
			"non-dotted differences ignored",
			func() scorm.UserDataMap {
				data := base()
				data[1].UserData["status"] = "something else"
				return data
			}(),
			base(),
			true,
		},
		{
			"extra sco without dotted data ignored",
			base(),
			func() scorm.UserDataMap {
				data := base()
				data[2] = scorm.NewScoUserData(2)
				data[2].UserData["status"] = "notattempted"
				return data
			}(),
			true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := snapshotEquals(tc.snapshot, tc.site); got != tc.want {
				t.Fatalf("snapshotEquals = %v, want %v", got, tc.want)
			}
		})
	}
}
