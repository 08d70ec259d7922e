package remote

import (
	"context"
	"net/http"
)

// SubjectValidator checks that referenced subjects exist.
type SubjectValidator struct {
	client *Client
}

// NewSubjectValidator creates a validator client.
func NewSubjectValidator(c *Client) *SubjectValidator {
	return &SubjectValidator{client: c}
}

type validateRequest struct {
	IDs []string `json:"ids"`
}

type validateResponse struct {
	Valid   []string `json:"valid"`
	Invalid []string `json:"invalid"`
}

// Validate partitions ids into existing and unknown subjects.
func (v *SubjectValidator) Validate(ctx context.Context, ids []string) ([]string, []string, error) {
	if len(ids) == 0 {
		return nil, nil, nil
	}
	var resp validateResponse
	if err := v.client.do(ctx, http.MethodPost, "/subjects/validate", nil, validateRequest{IDs: ids}, &resp); err != nil {
		return nil, nil, err
	}
	return resp.Valid, resp.Invalid, nil
}
