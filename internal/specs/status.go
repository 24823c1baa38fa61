package specs

// TaskStatus is the derived lifecycle status of a task.
type TaskStatus string

const (
	TaskBacklog     TaskStatus = "backlog"
	TaskInProgress  TaskStatus = "in_progress"
	TaskBlocked     TaskStatus = "blocked"
	TaskHumanReview TaskStatus = "human_review"
	TaskAIReview    TaskStatus = "ai_review"
)

// DeriveStatus maps chunk completion state plus task provenance to one
// lifecycle status. This is the only implementation of the derivation in
// the system; persistence and UI layers must call it rather than keep
// their own copy.
//
// Rules, in order:
//  1. Any failed chunk -> blocked.
//  2. Any pending or in-progress chunk -> in_progress, or backlog when no
//     chunk has started.
//  3. All chunks completed -> human_review for manually entered tasks,
//     ai_review otherwise.
//
// The result is independent of chunk ordering. A task with no chunks is
// backlog: there is nothing completed to review.
func DeriveStatus(task Task) TaskStatus {
	if len(task.Chunks) == 0 {
		return TaskBacklog
	}

	var started, unfinished bool
	for _, c := range task.Chunks {
		switch c.Status {
		case ChunkFailed:
			return TaskBlocked
		case ChunkInProgress:
			started = true
			unfinished = true
		case ChunkPending:
			unfinished = true
		case ChunkCompleted:
			started = true
		}
	}

	if unfinished {
		if !started {
			return TaskBacklog
		}
		return TaskInProgress
	}

	if task.Provenance == ProvenanceManual {
		return TaskHumanReview
	}
	return TaskAIReview
}
