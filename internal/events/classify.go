// Package events turns raw journal changes into semantic domain events
// and fans them out to subscribers. Classification is by path prefix;
// delivery is best-effort per handler, so one misbehaving subscriber
// never starves its siblings.
package events

import (
	"strings"

	"github.com/vaultsync/vaultsync/internal/journal"
)

// Type is a semantic event type such as "job:created" or "note:modified".
type Type string

// Domain event types.
const (
	TypeJobCreated       Type = "job:created"
	TypeJobClaimed       Type = "job:claimed"
	TypeJobStatusChanged Type = "job:status-changed"

	TypeTaskCreated       Type = "task:created"
	TypeTaskClaimed       Type = "task:claimed"
	TypeTaskCompleted     Type = "task:completed"
	TypeTaskStatusChanged Type = "task:status-changed"

	TypeApprovalCreated  Type = "approval:created"
	TypeApprovalResolved Type = "approval:resolved"

	TypeSystemModified Type = "system:modified"

	TypeNoteCreated  Type = "note:created"
	TypeNoteModified Type = "note:modified"
	TypeNoteDeleted  Type = "note:deleted"
	TypeNoteRenamed  Type = "note:renamed"

	TypeFileCreated  Type = "file:created"
	TypeFileModified Type = "file:modified"
	TypeFileDeleted  Type = "file:deleted"
	TypeFileRenamed  Type = "file:renamed"
)

// Event is a classified change. Change carries the full journal entry so
// subscribers can reach path, hash, origin device and change id.
type Event struct {
	Type   Type
	Change journal.Entry
}

// Classify maps one journal entry to its semantic event type. The
// filesystem layout doubles as a state machine: moving a job file
// between pending/ and running/ is a claim, so a delete under pending
// means "claimed", not "removed".
func Classify(e journal.Entry) Type {
	path := e.Path

	switch {
	case strings.HasPrefix(path, "_jobs/pending/"):
		switch e.Kind {
		case journal.KindCreate:
			return TypeJobCreated
		case journal.KindDelete:
			return TypeJobClaimed
		case journal.KindModify:
			return TypeJobStatusChanged
		}

	case strings.HasPrefix(path, "_jobs/running/"):
		switch e.Kind {
		case journal.KindCreate:
			return TypeJobClaimed
		case journal.KindModify:
			return TypeJobStatusChanged
		}

	case strings.HasPrefix(path, "_jobs/done/"), strings.HasPrefix(path, "_jobs/failed/"):
		return TypeJobStatusChanged

	case strings.HasPrefix(path, "_delegation/pending/"):
		switch e.Kind {
		case journal.KindCreate:
			return TypeTaskCreated
		case journal.KindDelete:
			return TypeTaskClaimed
		case journal.KindModify:
			return TypeTaskStatusChanged
		}

	case strings.HasPrefix(path, "_delegation/claimed/"):
		if e.Kind == journal.KindCreate {
			return TypeTaskClaimed
		}

		return TypeTaskStatusChanged

	case strings.HasPrefix(path, "_delegation/completed/"):
		return TypeTaskCompleted

	case strings.HasPrefix(path, "_approvals/pending/"):
		if e.Kind == journal.KindCreate {
			return TypeApprovalCreated
		}

	case strings.HasPrefix(path, "_approvals/resolved/"):
		if e.Kind == journal.KindCreate {
			return TypeApprovalResolved
		}

	case strings.HasPrefix(path, "_system/"):
		if e.Kind == journal.KindModify {
			return TypeSystemModified
		}

	case strings.HasPrefix(path, "Notebooks/"):
		switch e.Kind {
		case journal.KindCreate:
			return TypeNoteCreated
		case journal.KindModify:
			return TypeNoteModified
		case journal.KindDelete:
			return TypeNoteDeleted
		case journal.KindRename:
			return TypeNoteRenamed
		}
	}

	// Anything the table does not claim is a plain file event.
	switch e.Kind {
	case journal.KindCreate:
		return TypeFileCreated
	case journal.KindDelete:
		return TypeFileDeleted
	case journal.KindRename:
		return TypeFileRenamed
	default:
		return TypeFileModified
	}
}
