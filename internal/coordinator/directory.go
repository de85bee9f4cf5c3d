package coordinator

import (
	"context"

	"github.com/otavioch/tandem/internal/model"
)

// Directory resolves member display snapshots at conversation creation.
// The authentication provider behind it is outside the sync core.
type Directory interface {
	Lookup(ctx context.Context, uid string) (model.MemberDetail, error)
}

// StaticDirectory serves lookups from a fixed table, falling back to the
// user id as display name. Useful for tests and single-tenant deployments.
type StaticDirectory struct {
	entries map[string]model.MemberDetail
}

// NewStaticDirectory creates a directory over the given table; nil is fine.
func NewStaticDirectory(entries map[string]model.MemberDetail) *StaticDirectory {
	return &StaticDirectory{entries: entries}
}

func (d *StaticDirectory) Lookup(_ context.Context, uid string) (model.MemberDetail, error) {
	if e, ok := d.entries[uid]; ok {
		return e, nil
	}
	return model.MemberDetail{DisplayName: uid}, nil
}
