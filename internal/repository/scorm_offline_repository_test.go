package repository

import (
	"testing"

	"mlearn_addons_backend/internal/model"
	"mlearn_addons_backend/internal/scorm"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
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
	return db
}

func testScorm() *model.Scorm {
	s := &model.Scorm{CourseID: 5, Name: "Test package"}
	s.ID = 10
	return s
}

func TestInsertTrackUpsert(t *testing.T) {
	repo := NewScormOfflineRepository(newTestDB(t))

	if err := repo.InsertTrack(10, 1, 2, 1, "cmi.core.lesson_location", "page1", false, nil); err != nil {
		t.Fatalf("InsertTrack: %v", err)
	}
	if err := repo.InsertTrack(10, 1, 2, 1, "cmi.core.lesson_location", "page2", false, nil); err != nil {
		t.Fatalf("InsertTrack update: %v", err)
	}

	tracks, err := repo.GetScormStoredData(10, 2, 1, false, false)
	if err != nil {
		t.Fatalf("GetScormStoredData: %v", err)
	}
	if len(tracks) != 1 {
		t.Fatalf("tracks = %d, want 1 (upsert must not duplicate)", len(tracks))
	}
	if tracks[0].ValueString() != "page2" {
		t.Fatalf("value = %q, want page2", tracks[0].ValueString())
	}
	if tracks[0].Synced {
		t.Fatalf("fresh track must not be synced")
	}
}

func TestInsertTrackForceCompleted(t *testing.T) {
	repo := NewScormOfflineRepository(newTestDB(t))

	scoData := scorm.NewScoUserData(1)
	scoData.UserData["cmi.core.lesson_status"] = "incomplete"

	// Writing a raw score while the status is incomplete inserts a
	// companion completed status first.
	if err := repo.InsertTrack(10, 1, 2, 1, "cmi.core.score.raw", "75", true, scoData); err != nil {
		t.Fatalf("InsertTrack: %v", err)
	}

	tracks, err := repo.GetScormStoredData(10, 2, 1, false, false)
	if err != nil {
		t.Fatalf("GetScormStoredData: %v", err)
	}
	values := map[string]string{}
	for _, track := range tracks {
		values[track.Element] = track.ValueString()
	}
	if values["cmi.core.lesson_status"] != "completed" {
		t.Fatalf("lesson_status = %q, want completed companion write", values["cmi.core.lesson_status"])
	}
	if values["cmi.core.score.raw"] != "75" {
		t.Fatalf("score.raw = %q, want 75", values["cmi.core.score.raw"])
	}
}

func TestInsertTrackForceCompletedStatusRewrite(t *testing.T) {
	repo := NewScormOfflineRepository(newTestDB(t))

	scoData := scorm.NewScoUserData(1)
	scoData.UserData["cmi.core.score.raw"] = "80"

	// An incomplete status with a score already present is stored as completed.
	if err := repo.InsertTrack(10, 1, 2, 1, "cmi.core.lesson_status", "incomplete", true, scoData); err != nil {
		t.Fatalf("InsertTrack: %v", err)
	}

	tracks, _ := repo.GetScormStoredData(10, 2, 1, false, false)
	if len(tracks) != 1 || tracks[0].ValueString() != "completed" {
		t.Fatalf("tracks = %+v, want single completed status", tracks)
	}
}

func TestChangeAttemptNumber(t *testing.T) {
	db := newTestDB(t)
	repo := NewScormOfflineRepository(db)
	s := testScorm()

	userData := scorm.UserDataMap{1: scorm.NewScoUserData(1)}
	userData[1].UserData["cmi.core.lesson_status"] = "incomplete"

	if err := repo.CreateNewAttempt(s, 2, 1, userData, nil); err != nil {
		t.Fatalf("CreateNewAttempt: %v", err)
	}
	if err := repo.MarkAsSynced(10, 2, 1, 1); err != nil {
		t.Fatalf("MarkAsSynced: %v", err)
	}

	if err := repo.ChangeAttemptNumber(10, 2, 1, 3); err != nil {
		t.Fatalf("ChangeAttemptNumber: %v", err)
	}

	if _, err := repo.GetAttempt(10, 2, 1); err != gorm.ErrRecordNotFound {
		t.Fatalf("old attempt still present: %v", err)
	}
	if _, err := repo.GetAttempt(10, 2, 3); err != nil {
		t.Fatalf("renumbered attempt missing: %v", err)
	}

	// Renumbering marks every track unsynced again.
	tracks, _ := repo.GetScormStoredData(10, 2, 3, true, false)
	if len(tracks) == 0 {
		t.Fatalf("renumbered tracks must be unsynced")
	}
}

func TestCreateNewAttemptSnapshotStripsDefaults(t *testing.T) {
	repo := NewScormOfflineRepository(newTestDB(t))
	s := testScorm()

	userData := scorm.UserDataMap{1: scorm.NewScoUserData(1)}
	userData[1].UserData["cmi.core.lesson_status"] = "completed"
	userData[1].DefaultData["cmi.core.student_id"] = "2"

	if err := repo.CreateNewAttempt(s, 2, 1, userData, userData); err != nil {
		t.Fatalf("CreateNewAttempt: %v", err)
	}

	snapshot, err := repo.GetAttemptSnapshot(10, 2, 1)
	if err != nil {
		t.Fatalf("GetAttemptSnapshot: %v", err)
	}
	if snapshot == nil {
		t.Fatalf("snapshot missing")
	}
	if snapshot[1].UserData["cmi.core.lesson_status"] != "completed" {
		t.Fatalf("snapshot userdata lost: %+v", snapshot[1])
	}
	if len(snapshot[1].DefaultData) != 0 {
		t.Fatalf("snapshot must not contain default data: %+v", snapshot[1].DefaultData)
	}
}

func TestDeleteAttempt(t *testing.T) {
	repo := NewScormOfflineRepository(newTestDB(t))
	s := testScorm()

	userData := scorm.UserDataMap{1: scorm.NewScoUserData(1)}
	userData[1].UserData["cmi.core.lesson_status"] = "passed"

	if err := repo.CreateNewAttempt(s, 2, 1, userData, nil); err != nil {
		t.Fatalf("CreateNewAttempt: %v", err)
	}
	if err := repo.DeleteAttempt(10, 2, 1); err != nil {
		t.Fatalf("DeleteAttempt: %v", err)
	}

	attempts, _ := repo.GetAttempts(10, 2)
	if len(attempts) != 0 {
		t.Fatalf("attempts = %d after delete, want 0", len(attempts))
	}
	tracks, _ := repo.GetScormStoredData(10, 2, 1, false, false)
	if len(tracks) != 0 {
		t.Fatalf("tracks = %d after delete, want 0", len(tracks))
	}
}

func TestGetScormUserDataReconstruction(t *testing.T) {
	repo := NewScormOfflineRepository(newTestDB(t))

	inserts := map[string]string{
		"cmi.core.lesson_status": "incomplete",
		"cmi.core.score.raw":     "66.666",
		"cmi.core.total_time":    "01:30:00",
		"cmi.core.exit":          "suspend",
		"cmi.suspend_data":       "bookmark=3",
	}
	for element, value := range inserts {
		if err := repo.InsertTrack(10, 1, 2, 1, element, value, false, nil); err != nil {
			t.Fatalf("InsertTrack(%s): %v", element, err)
		}
	}

	scos := []model.ScormSco{
		{BaseModel: model.BaseModel{ID: 1}, ScormID: 10, LaunchURL: "index.html", ScormType: "sco"},
		{BaseModel: model.BaseModel{ID: 2}, ScormID: 10, LaunchURL: "second.html", ScormType: "sco"},
	}

	userData, err := repo.GetScormUserData(10, 2, 1, scos, "student1", "Student One")
	if err != nil {
		t.Fatalf("GetScormUserData: %v", err)
	}

	sco1 := userData[1]
	if sco1 == nil {
		t.Fatalf("sco 1 missing")
	}
	if sco1.UserData["status"] != "incomplete" {
		t.Fatalf("status = %q, want incomplete", sco1.UserData["status"])
	}
	if sco1.UserData["score_raw"] != "66.67" {
		t.Fatalf("score_raw = %q, want 66.67 (rounded)", sco1.UserData["score_raw"])
	}
	if sco1.DefaultData["cmi.core.entry"] != "resume" {
		t.Fatalf("entry = %q, want resume (exit was suspend)", sco1.DefaultData["cmi.core.entry"])
	}
	if sco1.DefaultData["cmi.core.total_time"] != "01:30:00" {
		t.Fatalf("total_time = %q, want 01:30:00", sco1.DefaultData["cmi.core.total_time"])
	}
	if sco1.DefaultData["cmi.core.student_id"] != "student1" {
		t.Fatalf("student_id = %q", sco1.DefaultData["cmi.core.student_id"])
	}
	if sco1.DefaultData["cmi.launch_data"] != "index.html" {
		t.Fatalf("launch_data = %q", sco1.DefaultData["cmi.launch_data"])
	}

	// SCO 2 has no stored data: empty entry, ab-initio start.
	sco2 := userData[2]
	if sco2 == nil {
		t.Fatalf("sco 2 missing")
	}
	if sco2.UserData["status"] != "" {
		t.Fatalf("sco 2 status = %q, want empty", sco2.UserData["status"])
	}
	if sco2.DefaultData["cmi.core.entry"] != "ab-initio" {
		t.Fatalf("sco 2 entry = %q, want ab-initio", sco2.DefaultData["cmi.core.entry"])
	}
	if sco2.DefaultData["cmi.core.total_time"] != "00:00:00" {
		t.Fatalf("sco 2 total_time = %q, want default", sco2.DefaultData["cmi.core.total_time"])
	}
}

func TestMarkAsSyncedFilters(t *testing.T) {
	repo := NewScormOfflineRepository(newTestDB(t))

	repo.InsertTrack(10, 1, 2, 1, "cmi.core.lesson_status", "passed", false, nil)
	repo.InsertTrack(10, 2, 2, 1, "cmi.core.lesson_status", "incomplete", false, nil)

	if err := repo.MarkAsSynced(10, 2, 1, 1); err != nil {
		t.Fatalf("MarkAsSynced: %v", err)
	}

	synced, _ := repo.GetScormStoredData(10, 2, 1, false, true)
	unsynced, _ := repo.GetScormStoredData(10, 2, 1, true, false)
	if len(synced) != 1 || synced[0].ScoID != 1 {
		t.Fatalf("synced = %+v, want only sco 1", synced)
	}
	if len(unsynced) != 1 || unsynced[0].ScoID != 2 {
		t.Fatalf("unsynced = %+v, want only sco 2", unsynced)
	}

	// Both filters at once is a contradiction and returns nothing.
	none, err := repo.GetScormStoredData(10, 2, 1, true, true)
	if err != nil || len(none) != 0 {
		t.Fatalf("contradictory filters returned %+v, %v", none, err)
	}
}
