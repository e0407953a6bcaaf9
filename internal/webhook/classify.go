package webhook

import "strings"

// Action is what an event asks for.
type Action int

const (
	// ActionReject means the event lacks what its type requires.
	ActionReject Action = iota
	ActionDelete
	ActionUpsert
	// ActionProbe means the type is unclear and the document's existence
	// decides between upsert and delete.
	ActionProbe
	// ActionRefresh resyncs the whole project.
	ActionRefresh
)

func (a Action) String() string {
	switch a {
	case ActionDelete:
		return "delete"
	case ActionUpsert:
		return "upsert"
	case ActionProbe:
		return "probe"
	case ActionRefresh:
		return "refresh"
	default:
		return "reject"
	}
}

var (
	deleteTokens = []string{"delete", "deleted", "remove", "removed", "trash", "purge"}
	upsertTokens = []string{"create", "created", "upload", "uploaded", "update", "updated", "rename", "moved"}
)

func containsAny(s string, tokens []string) bool {
	for _, t := range tokens {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

// Classify maps an event-type hint and the presence of a document id to an
// action. Delete tokens win over upsert tokens. The reason is set only for
// ActionReject.
func Classify(hint string, hasDocument bool) (Action, string) {
	hint = strings.ToLower(hint)
	switch {
	case containsAny(hint, deleteTokens):
		if !hasDocument {
			return ActionReject, "delete event missing documentId"
		}
		return ActionDelete, ""
	case containsAny(hint, upsertTokens):
		if !hasDocument {
			return ActionReject, "create/update event missing documentId"
		}
		return ActionUpsert, ""
	case hasDocument:
		return ActionProbe, ""
	default:
		return ActionRefresh, ""
	}
}
