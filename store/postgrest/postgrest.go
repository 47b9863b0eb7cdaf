// Package postgrest implements store.Tables over a PostgREST-compatible HTTP API, such as the one
// exposed by Supabase at /rest/v1.
package postgrest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/ccbrown/chat-fu/store"
)

// TokenSource provides the access token forwarded with each request. *auth.TokenProvider satisfies
// it.
type TokenSource interface {
	Token() string
}

type Client struct {
	// The base URL of the API, e.g. "https://project.supabase.co/rest/v1".
	URL string

	// Sent as the apikey header. If Tokens is nil or returns an empty token, it is also used as the
	// bearer token.
	APIKey string

	Tokens TokenSource

	// If nil, http.DefaultClient is used.
	HTTPClient *http.Client
}

var _ store.Tables = (*Client)(nil)

func New(baseURL, apiKey string, tokens TokenSource) *Client {
	return &Client{
		URL:    strings.TrimSuffix(baseURL, "/"),
		APIKey: apiKey,
		Tokens: tokens,
	}
}

func filterValues(filters []store.Filter) url.Values {
	ret := url.Values{}
	for _, f := range filters {
		ret.Add(f.Column, "eq."+store.FormatValue(f.Value))
	}
	return ret
}

func (c *Client) do(ctx context.Context, method, table string, query url.Values, body interface{}, prefer string) ([]byte, error) {
	u := c.URL + "/" + url.PathEscape(table)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		buf, err := jsoniter.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "unable to marshal request body")
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}
	if c.APIKey != "" {
		req.Header.Set("apikey", c.APIKey)
	}
	token := ""
	if c.Tokens != nil {
		token = c.Tokens.Token()
	}
	if token == "" {
		token = c.APIKey
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%v %v request failed", method, table)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read response body")
	}

	if resp.StatusCode >= 300 {
		storeErr := &store.Error{}
		if err := jsoniter.Unmarshal(respBody, storeErr); err != nil || storeErr.Message == "" {
			storeErr.Message = fmt.Sprintf("unexpected status code %v", resp.StatusCode)
		}
		return nil, errors.Wrapf(storeErr, "%v %v request failed", method, table)
	}
	return respBody, nil
}

func (c *Client) Select(ctx context.Context, query *store.Query) ([]store.Record, error) {
	params := filterValues(query.Filters)
	params.Set("select", "*")
	if query.Order != nil {
		direction := "desc"
		if query.Order.Ascending {
			direction = "asc"
		}
		params.Set("order", query.Order.Column+"."+direction)
	}
	if query.Limit > 0 {
		params.Set("limit", strconv.Itoa(query.Limit))
	}

	body, err := c.do(ctx, http.MethodGet, query.Table, params, nil, "")
	if err != nil {
		return nil, err
	}

	var rows []jsoniter.RawMessage
	if err := jsoniter.Unmarshal(body, &rows); err != nil {
		return nil, errors.Wrap(err, "unable to unmarshal rows")
	}
	ret := make([]store.Record, len(rows))
	for i, row := range rows {
		ret[i] = store.Record(row)
	}
	return ret, nil
}

func (c *Client) Insert(ctx context.Context, table string, row interface{}) error {
	_, err := c.do(ctx, http.MethodPost, table, nil, row, "return=minimal")
	return err
}

func (c *Client) Upsert(ctx context.Context, table string, row interface{}) error {
	_, err := c.do(ctx, http.MethodPost, table, nil, row, "resolution=merge-duplicates,return=minimal")
	return err
}

func (c *Client) Update(ctx context.Context, table string, values map[string]interface{}, filters ...store.Filter) error {
	if len(filters) == 0 {
		return fmt.Errorf("refusing to update every row of %v", table)
	}
	_, err := c.do(ctx, http.MethodPatch, table, filterValues(filters), values, "return=minimal")
	return err
}

func (c *Client) Delete(ctx context.Context, table string, filters ...store.Filter) error {
	if len(filters) == 0 {
		return fmt.Errorf("refusing to delete every row of %v", table)
	}
	_, err := c.do(ctx, http.MethodDelete, table, filterValues(filters), nil, "return=minimal")
	return err
}
