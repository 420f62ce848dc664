package task

import (
	"fmt"

	"github.com/google/uuid"
)

// Resolution is the outcome of a dependency check before a task may go Active.
type Resolution struct {
	IsSatisfied     bool        `json:"is_satisfied"`
	BlockingTaskIDs []uuid.UUID `json:"blocking_task_ids,omitempty"`
	Reasons         []string    `json:"reasons,omitempty"`
}

// ResolveDependencies decides whether t may enter the active status given its
// loaded dependency tasks. A dependency is satisfied only when the referenced
// task is Completed; every other status, including Cancelled, blocks. A
// dependency whose task failed to load is treated as unsatisfied rather than
// skipped, so a missing row can never let a task start early.
//
// No transitive traversal happens here; the graph is kept acyclic at edge
// insertion time by the orchestration service.
func ResolveDependencies(t *Task, loaded map[uuid.UUID]*Task) Resolution {
	res := Resolution{IsSatisfied: true}

	for _, dep := range t.Dependencies {
		prereq, ok := loaded[dep.DependsOnTaskID]
		if !ok || prereq == nil {
			res.IsSatisfied = false
			res.BlockingTaskIDs = append(res.BlockingTaskIDs, dep.DependsOnTaskID)
			res.Reasons = append(res.Reasons,
				fmt.Sprintf("dependency task %s could not be loaded", dep.DependsOnTaskID))
			continue
		}
		if prereq.Status != StatusCompleted {
			res.IsSatisfied = false
			res.BlockingTaskIDs = append(res.BlockingTaskIDs, prereq.ID)
			res.Reasons = append(res.Reasons,
				fmt.Sprintf("dependency %q (%s) is %s, not completed", prereq.Title, prereq.ID, prereq.Status))
		}
	}

	return res
}
