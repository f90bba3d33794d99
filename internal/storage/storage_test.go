package storage

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"fingerauth/internal/enroll"
	"fingerauth/internal/scan/scantest"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "fingerauth.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func template(id, subject string, created time.Time, seed int64) *enroll.Template {
	return &enroll.Template{
		ID:        id,
		Subject:   subject,
		Inliers:   int(seed) * 10,
		CreatedAt: created,
		Samples: []enroll.Sample{
			{Grid: scantest.Texture(seed), Keypoints: 100},
			{Grid: scantest.Texture(seed + 1), Keypoints: 110},
		},
	}
}

func TestTemplateLifecycle(t *testing.T) {
	s := openStore(t)
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, tpl := range []*enroll.Template{
		template("b", "bob", base.Add(time.Minute), 2),
		template("a", "alice", base, 1),
		template("c", "carol", base.Add(time.Minute), 3),
	} {
		if err := s.SaveTemplate(tpl); err != nil {
			t.Fatalf("save %s: %v", tpl.ID, err)
		}
	}

	got, err := s.Template("b")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got.Subject != "bob" || !got.Primary().Equal(scantest.Texture(2)) {
		t.Fatalf("template not restored: %+v", got)
	}

	all, err := s.Templates()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var ids []string
	for _, tpl := range all {
		ids = append(ids, tpl.ID)
	}
	if len(ids) != 3 || ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
		t.Fatalf("unexpected order %v", ids)
	}

	infos, err := s.ListTemplates()
	if err != nil || len(infos) != 3 || infos[2].Subject != "carol" || !infos[0].CreatedAt.Equal(base) {
		t.Fatalf("unexpected listing %+v, %v", infos, err)
	}

	if err := s.DeleteTemplate("b"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Template("b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.DeleteTemplate("b"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}

func TestJobRecording(t *testing.T) {
	s := openStore(t)
	if err := s.RecordJobQueued(JobRecord{ID: "j1", JobType: "verify", Status: "queued", InputPath: "a.png", Reference: "b.png", OptionsJSON: "{}"}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	if err := s.RecordJobStart("j1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.RecordJobResult("j1", "completed", map[string]any{"match": true, "inliers": 42}, ""); err != nil {
		t.Fatalf("result: %v", err)
	}

	jobs, err := s.RecentJobs(10)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("recent jobs: %v %v", jobs, err)
	}
	if jobs[0].Status != "completed" || jobs[0].Reference != "b.png" || jobs[0].StartedAt == nil || jobs[0].CompletedAt == nil {
		t.Fatalf("unexpected job %+v", jobs[0])
	}
	meta, err := s.JobMeta("j1")
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta["match"] != true || meta["inliers"].(float64) != 42 {
		t.Fatalf("unexpected meta %v", meta)
	}
}

func TestInboxEvents(t *testing.T) {
	s := openStore(t)
	now := time.Now().UTC().Truncate(time.Second)
	for _, typ := range []string{"created", "identified"} {
		if err := s.RecordInboxEvent(InboxEvent{FilePath: "/in/x.png", EventType: typ, EventTime: now, FileSize: 10, JobID: "j"}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	evs, err := s.InboxEvents("/in/x.png", 5)
	if err != nil || len(evs) != 2 || evs[0].EventType != "identified" {
		t.Fatalf("unexpected events %+v %v", evs, err)
	}
}

func TestNilStoreIsSafeForRecording(t *testing.T) {
	var s *Store
	if err := s.RecordJobQueued(JobRecord{ID: "x"}); err != nil {
		t.Fatalf("nil store should ignore records: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
	if _, err := s.Templates(); err == nil {
		t.Fatalf("nil store must not pretend to hold templates")
	}
}
