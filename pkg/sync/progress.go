package sync //nolint:revive,nolintlint // shadows the standard library name

import (
	"github.com/conductorone/crm-sync/pkg/crm"
)

// Progress is reported on every state transition of a pass.
type Progress struct {
	AccountID  string
	EntityKind crm.EntityKind
	State      JobState
	Pages      int
	Records    int
	Emitted    int
	Skipped    int
}
