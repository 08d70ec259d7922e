package remote

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/phrazzld/contextflow/internal/domain"
)

// PreferenceSource reads subject preferences from the preference service.
type PreferenceSource struct {
	client *Client
}

// NewPreferenceSource creates a preference service client.
func NewPreferenceSource(c *Client) *PreferenceSource {
	return &PreferenceSource{client: c}
}

// GetPreferences returns one subject's preferences.
func (p *PreferenceSource) GetPreferences(ctx context.Context, subjectID string) (domain.Preferences, error) {
	var prefs domain.Preferences
	err := p.client.do(ctx, http.MethodGet, "/preferences/"+url.PathEscape(subjectID), nil, nil, &prefs)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Preferences{}, fmt.Errorf("%w: %s", domain.ErrSubjectNotFound, subjectID)
	}
	if err != nil {
		return domain.Preferences{}, err
	}
	if prefs.SubjectID == "" {
		prefs.SubjectID = subjectID
	}
	return prefs, nil
}

type changesResponse struct {
	Subjects  []string `json:"subjects"`
	NextToken string   `json:"next_token"`
}

// GetChangedSubjects lists subjects changed since the token.
func (p *PreferenceSource) GetChangedSubjects(ctx context.Context, sinceToken string) ([]string, string, error) {
	q := url.Values{}
	if sinceToken != "" {
		q.Set("since", sinceToken)
	}
	var resp changesResponse
	if err := p.client.do(ctx, http.MethodGet, "/preferences/changes", q, nil, &resp); err != nil {
		return nil, "", err
	}
	return resp.Subjects, resp.NextToken, nil
}

type membershipResponse struct {
	Subjects []string `json:"subjects"`
}

// GetGroupMembership lists the members of a preference group.
func (p *PreferenceSource) GetGroupMembership(ctx context.Context, key domain.GroupKey) ([]string, error) {
	q := url.Values{}
	q.Set("feature_type", key.FeatureType)
	q.Set("frequency", string(key.Frequency))
	q.Set("anchor_time", key.AnchorTime)
	var resp membershipResponse
	if err := p.client.do(ctx, http.MethodGet, "/groups/membership", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Subjects, nil
}
