package state

import (
	"errors"
	"testing"
	"time"

	"github.com/ShayCichocki/spectree/pkg/models"
)

func TestCreateHibernation(t *testing.T) {
	db := setupTestDB(t)
	seedTree(t, db)

	rec := &models.HibernationRecord{
		SpecID:   "R",
		Trigger:  models.ResumeTrigger{Kind: models.TriggerChildrenComplete},
		Context:  []byte(`{"children_spawned":3}`),
		Checksum: "abc",
	}
	if err := db.CreateHibernation(rec); err != nil {
		t.Fatalf("CreateHibernation failed: %v", err)
	}

	got, err := db.GetHibernation("R")
	if err != nil {
		t.Fatalf("GetHibernation failed: %v", err)
	}
	if got == nil || got.Trigger.Kind != models.TriggerChildrenComplete || string(got.Context) != string(rec.Context) {
		t.Fatalf("unexpected record: %+v", got)
	}

	if err := db.CreateHibernation(rec); !errors.Is(err, models.ErrAlreadyHibernating) {
		t.Errorf("expected ErrAlreadyHibernating, got %v", err)
	}

	ids, err := db.HibernatingIDs()
	if err != nil {
		t.Fatalf("HibernatingIDs failed: %v", err)
	}
	if !ids["R"] || len(ids) != 1 {
		t.Errorf("hibernating ids = %v", ids)
	}
}

func TestCreateHibernation_UnknownSpec(t *testing.T) {
	db := setupTestDB(t)

	err := db.CreateHibernation(&models.HibernationRecord{SpecID: "ghost"})
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestGetHibernation_None(t *testing.T) {
	db := setupTestDB(t)
	seedTree(t, db)

	got, err := db.GetHibernation("R/a")
	if err != nil {
		t.Fatalf("GetHibernation failed: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil record, got %+v", got)
	}
}

func TestWakeHibernation(t *testing.T) {
	db := setupTestDB(t)
	seedTree(t, db)

	deadline := time.Now().Add(time.Hour).UTC()
	rec := &models.HibernationRecord{
		SpecID:  "R/a",
		Trigger: models.ResumeTrigger{Kind: models.TriggerMessage, MessageType: models.MessageProceed, Deadline: &deadline},
		Context: []byte("ctx"),
	}
	if err := db.CreateHibernation(rec); err != nil {
		t.Fatalf("CreateHibernation failed: %v", err)
	}

	listed, err := db.ListHibernations()
	if err != nil {
		t.Fatalf("ListHibernations failed: %v", err)
	}
	if len(listed) != 1 || listed[0].Trigger.Deadline == nil || !listed[0].Trigger.Deadline.Equal(deadline) {
		t.Fatalf("deadline not round-tripped: %+v", listed)
	}

	before, _ := db.Get("R/a")
	node, err := db.WakeHibernation("R/a", []byte("ctx"))
	if err != nil {
		t.Fatalf("WakeHibernation failed: %v", err)
	}
	if string(node.ResumeContext) != "ctx" {
		t.Errorf("resume context = %q", node.ResumeContext)
	}
	if node.Version != before.Version+1 || node.QueueSeq <= before.QueueSeq {
		t.Errorf("wake did not requeue: before=%+v after=%+v", before, node)
	}

	if _, err := db.WakeHibernation("R/a", nil); !errors.Is(err, models.ErrNotHibernating) {
		t.Errorf("expected ErrNotHibernating, got %v", err)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	db := setupTestDB(t)
	seedTree(t, db)

	run := &models.AgentRun{ID: "run-1", SpecID: "R/a", Role: models.RoleImplementer, Phase: models.PhaseImplementation, StartedAt: time.Now()}
	if err := db.CreateAgentRun(run); err != nil {
		t.Fatalf("CreateAgentRun failed: %v", err)
	}
	done := &models.AgentRun{ID: "run-2", SpecID: "R/a", Role: models.RoleVerifier, Phase: models.PhaseImplementation, StartedAt: time.Now()}
	if err := db.CreateAgentRun(done); err != nil {
		t.Fatalf("CreateAgentRun failed: %v", err)
	}
	done.Verdict = "pass"
	if err := db.FinishAgentRun(done); err != nil {
		t.Fatalf("FinishAgentRun failed: %v", err)
	}

	interrupted, err := db.RecoverInterrupted()
	if err != nil {
		t.Fatalf("RecoverInterrupted failed: %v", err)
	}
	if len(interrupted) != 1 || interrupted[0].RunID != "run-1" {
		t.Fatalf("interrupted = %+v", interrupted)
	}

	runs, err := db.ListAgentRuns("R/a")
	if err != nil {
		t.Fatalf("ListAgentRuns failed: %v", err)
	}
	for _, r := range runs {
		if r.FinishedAt == nil {
			t.Errorf("run %s still open", r.ID)
		}
	}
}
