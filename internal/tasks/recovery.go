package tasks

import (
	"github.com/dohr-michael/warden/internal/storage/vault"
)

// Resumable returns in-progress records left behind by a crashed or stopped
// driver: records still in status in_progress whose owner is not alive.
// alive may be nil, in which case every owner is considered gone.
// Callers take a record over with Store.Takeover before running it, so two
// resumers racing on the same orphan cannot both win.
func Resumable(store Store, alive func(owner string) bool) ([]*Task, error) {
	running, err := store.List(vault.QueueInProgress)
	if err != nil {
		return nil, err
	}

	var out []*Task
	for _, t := range running {
		if t.Status != TaskInProgress {
			continue
		}
		if t.ClaimedBy != "" && alive != nil && alive(t.ClaimedBy) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}
