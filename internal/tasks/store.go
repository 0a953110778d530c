package tasks

import "github.com/dohr-michael/warden/internal/storage/vault"

// Store defines the persistence interface for task records.
type Store interface {
	Create(description string, steps []string, priority TaskPriority, maxIterations int) (*Task, error)
	Get(id string) (*Task, vault.Queue, error)
	Load(q vault.Queue, id string) (*Task, error)
	List(q vault.Queue) ([]*Task, error)
	Claim(id, owner string) (*Task, error)
	RecordStepComplete(id, step, note string) (*Task, error)
	Annotate(id, note string) error
	Update(id string, fn func(*Task) error) (*Task, error)
	Takeover(id, from, to string) (*Task, error)
	Complete(id string) (*Task, error)
	Cancel(id, reason string) (*Task, error)
	Counts() (map[vault.Queue]int, error)
}
