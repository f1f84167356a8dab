package core

import (
	"testing"
)

func TestNewTask_DefaultsToDraft(t *testing.T) {
	task := NewTask("fix the bug", "https://github.com/acme/widgets.git", "main")

	if task.Status != TaskStatusDraft {
		t.Fatalf("status = %s, want draft", task.Status)
	}
	if !task.ID.Valid() {
		t.Fatalf("ID %q is not a valid UUID v4", task.ID)
	}
	if task.BranchName != task.ID.BranchName() {
		t.Fatalf("BranchName = %q, want %q", task.BranchName, task.ID.BranchName())
	}
	if task.CreatedAt.IsZero() || task.UpdatedAt.IsZero() {
		t.Fatalf("expected CreatedAt/UpdatedAt to be set")
	}
}

func TestTaskID_Valid(t *testing.T) {
	if !NewTaskID().Valid() {
		t.Fatalf("generated task ID failed its own validity check")
	}
	if TaskID("not-a-uuid").Valid() {
		t.Fatalf("expected non-UUID string to be invalid")
	}
	if TaskID("").Valid() {
		t.Fatalf("expected empty string to be invalid")
	}
}

func TestTask_Validate(t *testing.T) {
	t.Run("valid task passes", func(t *testing.T) {
		task := NewTask("fix the bug", "https://github.com/acme/widgets.git", "main")
		if err := task.Validate(); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("empty ID rejected", func(t *testing.T) {
		task := NewTask("fix the bug", "https://github.com/acme/widgets.git", "main")
		task.ID = ""
		if err := task.Validate(); err == nil {
			t.Fatalf("expected error for empty ID")
		}
	})

	t.Run("non-UUID ID rejected", func(t *testing.T) {
		task := NewTask("fix the bug", "https://github.com/acme/widgets.git", "main")
		task.ID = "short-id"
		if err := task.Validate(); err == nil {
			t.Fatalf("expected error for malformed ID")
		}
	})

	t.Run("empty title rejected", func(t *testing.T) {
		task := NewTask("", "https://github.com/acme/widgets.git", "main")
		if err := task.Validate(); err == nil {
			t.Fatalf("expected error for empty title")
		}
	})

	t.Run("empty repo URL rejected", func(t *testing.T) {
		task := NewTask("fix the bug", "", "main")
		if err := task.Validate(); err == nil {
			t.Fatalf("expected error for empty repoUrl")
		}
	})

	t.Run("branch name mismatch rejected", func(t *testing.T) {
		task := NewTask("fix the bug", "https://github.com/acme/widgets.git", "main")
		task.BranchName = "feature/something-else"
		if err := task.Validate(); err == nil {
			t.Fatalf("expected error for mismatched branch name")
		}
	})
}

func TestTask_WorktreePath(t *testing.T) {
	task := NewTask("fix the bug", "https://github.com/acme/widgets.git", "main")
	want := "/var/lib/forgewright/worktrees/task-" + string(task.ID)
	if got := task.WorktreePath("/var/lib/forgewright/worktrees"); got != want {
		t.Fatalf("WorktreePath = %q, want %q", got, want)
	}
}

func TestTask_CanStart(t *testing.T) {
	cases := []struct {
		status TaskStatus
		want   bool
	}{
		{TaskStatusDraft, true},
		{TaskStatusBacklog, true},
		{TaskStatusFailed, true},
		{TaskStatusPlanning, true},
		{TaskStatusCoding, true},
		{TaskStatusPlanReview, true},
		{TaskStatusDone, false},
		{TaskStatusCanceled, false},
		{TaskStatusAwaitingReview, false},
	}
	for _, c := range cases {
		task := &Task{Status: c.status}
		if got := task.CanStart(); got != c.want {
			t.Errorf("CanStart() for status %q = %v, want %v", c.status, got, c.want)
		}
	}
}

func TestTask_CanResume(t *testing.T) {
	cases := []struct {
		status TaskStatus
		want   bool
	}{
		{TaskStatusChangesRequested, true},
		{TaskStatusPlanning, true},
		{TaskStatusDraft, false},
		{TaskStatusDone, false},
	}
	for _, c := range cases {
		task := &Task{Status: c.status}
		if got := task.CanResume(); got != c.want {
			t.Errorf("CanResume() for status %q = %v, want %v", c.status, got, c.want)
		}
	}
}

func TestTask_CanApprovePlan(t *testing.T) {
	if (&Task{Status: TaskStatusPlanReview}).CanApprovePlan() != true {
		t.Errorf("expected CanApprovePlan true for plan_review")
	}
	if (&Task{Status: TaskStatusCoding}).CanApprovePlan() != false {
		t.Errorf("expected CanApprovePlan false for coding")
	}
}

func TestTask_Touch(t *testing.T) {
	task := NewTask("fix the bug", "https://github.com/acme/widgets.git", "main")
	before := task.UpdatedAt
	task.Touch()
	if !task.UpdatedAt.After(before) && task.UpdatedAt != before {
		t.Fatalf("Touch did not update UpdatedAt")
	}
}

func TestTaskStatus_IsTerminal(t *testing.T) {
	for _, s := range []TaskStatus{TaskStatusDone, TaskStatusFailed, TaskStatusCanceled} {
		if !s.IsTerminal() {
			t.Errorf("%q should be terminal", s)
		}
	}
	if TaskStatusCoding.IsTerminal() {
		t.Errorf("coding should not be terminal")
	}
}

func TestTaskStatus_IsPRActive(t *testing.T) {
	for _, s := range []TaskStatus{TaskStatusPRCreated, TaskStatusChangesRequested} {
		if !s.IsPRActive() {
			t.Errorf("%q should be PR-active", s)
		}
	}
	if TaskStatusDraft.IsPRActive() {
		t.Errorf("draft should not be PR-active")
	}
}
