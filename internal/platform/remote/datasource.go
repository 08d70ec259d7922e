package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"

	"github.com/phrazzld/contextflow/internal/domain"
)

// DataSource fetches batch input items and category payloads.
type DataSource struct {
	client *Client
}

// NewDataSource creates a data source client.
func NewDataSource(c *Client) *DataSource {
	return &DataSource{client: c}
}

// FetchItems returns one page of items matching filter. Reads are idempotent
// and safe to retry.
func (d *DataSource) FetchItems(ctx context.Context, filter map[string]string, limit int, cursor string) (domain.ItemPage, error) {
	q := url.Values{}
	for k, v := range filter {
		q.Set("filter."+k, v)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}

	var page domain.ItemPage
	if err := d.client.do(ctx, http.MethodGet, "/items", q, nil, &page); err != nil {
		return domain.ItemPage{}, err
	}
	return page, nil
}

// FetchCategory returns the whole payload of one category.
func (d *DataSource) FetchCategory(ctx context.Context, categoryID string, filter map[string]string) (json.RawMessage, error) {
	q := url.Values{}
	for k, v := range filter {
		q.Set("filter."+k, v)
	}
	var payload json.RawMessage
	if err := d.client.do(ctx, http.MethodGet, "/categories/"+url.PathEscape(categoryID), q, nil, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}
