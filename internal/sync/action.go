package sync

import "github.com/google/uuid"

// ActionType tags one convergence step.
type ActionType string

const (
	ActionCreateLocal        ActionType = "CreateLocal"
	ActionUpdateLocal        ActionType = "UpdateLocal"
	ActionRemoveLocal        ActionType = "RemoveLocal"
	ActionStartDownload      ActionType = "StartDownload"
	ActionCreateCloud        ActionType = "CreateCloud"
	ActionUpdateCloud        ActionType = "UpdateCloud"
	ActionRemoveCloud        ActionType = "RemoveCloud"
	ActionResolveConflict    ActionType = "ResolveVersionConflict"
	ActionResolveInitialDupe ActionType = "ResolveInitialSyncConflict"
	ActionMarkInitialDone    ActionType = "MarkInitialSyncComplete"
	ActionReportError        ActionType = "ReportError"
)

// Action is one convergence step over the item it targets.
type Action struct {
	ID    uuid.UUID
	Type  ActionType
	Key   string
	Local *LocalItem
	Cloud *CloudItem
	Err   error
}

func newAction(t ActionType, key string, local *LocalItem, cloud *CloudItem) *Action {
	return &Action{
		ID:    uuid.New(),
		Type:  t,
		Key:   key,
		Local: local,
		Cloud: cloud,
	}
}

// Batch is the ordered action list of one reconciliation pass.
type Batch struct {
	ID      uuid.UUID
	Actions []*Action
}

func (b *Batch) Empty() bool {
	return b == nil || len(b.Actions) == 0
}

// Keys returns the set of item keys the batch touches.
func (b *Batch) Keys() []string {
	if b == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(b.Actions))
	keys := make([]string, 0, len(b.Actions))
	for _, a := range b.Actions {
		if a.Key == "" {
			continue
		}
		if _, ok := seen[a.Key]; ok {
			continue
		}
		seen[a.Key] = struct{}{}
		keys = append(keys, a.Key)
	}
	return keys
}
