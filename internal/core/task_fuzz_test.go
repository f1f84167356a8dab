//go:build go1.18

package core

import "testing"

// FuzzTaskValidate checks that Validate never panics regardless of how
// badly a Task's fields are mangled, and that it only ever accepts tasks
// satisfying all four invariants it documents.
func FuzzTaskValidate(f *testing.F) {
	f.Add("fix the bug", "https://github.com/acme/widgets.git", "main", string(NewTaskID()))
	f.Add("", "", "", "")
	f.Add("title", "repo", "main", "not-a-uuid")

	f.Fuzz(func(t *testing.T, title, repoURL, branch, id string) {
		task := &Task{
			ID:           TaskID(id),
			Title:        title,
			RepoURL:      repoURL,
			TargetBranch: branch,
			BranchName:   branch,
		}

		err := task.Validate()
		if err == nil {
			if task.ID == "" || !task.ID.Valid() {
				t.Fatalf("Validate accepted invalid ID %q", task.ID)
			}
			if task.Title == "" {
				t.Fatalf("Validate accepted empty title")
			}
			if task.RepoURL == "" {
				t.Fatalf("Validate accepted empty repoUrl")
			}
			if task.BranchName != task.ID.BranchName() {
				t.Fatalf("Validate accepted mismatched branch name")
			}
		}
	})
}
