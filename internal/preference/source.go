package preference

import (
	"context"
	"time"

	"github.com/phrazzld/contextflow/internal/domain"
)

// Source is the upstream preference service.
type Source interface {
	// GetPreferences returns the preferences of one subject, or an error
	// wrapping domain.ErrNotFound if the subject has none.
	GetPreferences(ctx context.Context, subjectID string) (domain.Preferences, error)

	// GetChangedSubjects returns the subjects whose preferences changed since
	// sinceToken together with the token to pass next time. An empty token
	// asks for every known subject.
	GetChangedSubjects(ctx context.Context, sinceToken string) ([]string, string, error)

	// GetGroupMembership returns the subjects the source places in a group.
	GetGroupMembership(ctx context.Context, key domain.GroupKey) ([]string, error)
}

// Cache is an optional shared cache in front of the source, typically
// backed by Redis so several processes share fetched preferences.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}
