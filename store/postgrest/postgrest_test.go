package postgrest

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccbrown/chat-fu/store"
)

type staticToken string

func (t staticToken) Token() string {
	return string(t)
}

type recordedRequest struct {
	Method string
	Path   string
	Query  map[string][]string
	Header http.Header
	Body   map[string]interface{}
}

func newTestServer(t *testing.T, status int, response string) (*httptest.Server, *[]recordedRequest) {
	var requests []recordedRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		req := recordedRequest{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Header: r.Header,
		}
		if len(body) > 0 {
			require.NoError(t, jsoniter.Unmarshal(body, &req.Body))
		}
		requests = append(requests, req)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(response))
	}))
	t.Cleanup(server.Close)
	return server, &requests
}

func TestClient_Select(t *testing.T) {
	server, requests := newTestServer(t, http.StatusOK, `[{"id":"1","content":"a"},{"id":"2","content":"b"}]`)
	c := New(server.URL+"/rest/v1/", "anon", staticToken("user-token"))

	records, err := c.Select(context.Background(), &store.Query{
		Table:   "messages",
		Filters: []store.Filter{store.Eq("channel", "c1")},
		Order: &store.Order{
			Column: "created_at",
		},
		Limit: 50,
	})
	require.NoError(t, err)
	require.Len(t, records, 2)

	var row struct {
		Id      string `json:"id"`
		Content string `json:"content"`
	}
	require.NoError(t, records[1].Decode(&row))
	assert.Equal(t, "b", row.Content)

	require.Len(t, *requests, 1)
	req := (*requests)[0]
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, "/rest/v1/messages", req.Path)
	assert.Equal(t, []string{"eq.c1"}, req.Query["channel"])
	assert.Equal(t, []string{"created_at.desc"}, req.Query["order"])
	assert.Equal(t, []string{"50"}, req.Query["limit"])
	assert.Equal(t, []string{"*"}, req.Query["select"])
	assert.Equal(t, "anon", req.Header.Get("apikey"))
	assert.Equal(t, "Bearer user-token", req.Header.Get("Authorization"))
}

func TestClient_Writes(t *testing.T) {
	ctx := context.Background()
	server, requests := newTestServer(t, http.StatusCreated, ``)
	c := New(server.URL, "anon", nil)

	require.NoError(t, c.Insert(ctx, "channels", map[string]interface{}{"name": "general"}))
	require.NoError(t, c.Upsert(ctx, "user_presence", map[string]interface{}{"user_id": "u1"}))
	require.NoError(t, c.Update(ctx, "notifications", map[string]interface{}{"read": true}, store.Eq("user_id", "u1"), store.Eq("read", false)))
	require.NoError(t, c.Delete(ctx, "messages", store.Eq("id", "m1")))

	require.Len(t, *requests, 4)

	insert := (*requests)[0]
	assert.Equal(t, http.MethodPost, insert.Method)
	assert.Equal(t, "/channels", insert.Path)
	assert.Equal(t, "general", insert.Body["name"])
	assert.Equal(t, "return=minimal", insert.Header.Get("Prefer"))
	assert.Equal(t, "Bearer anon", insert.Header.Get("Authorization"))

	upsert := (*requests)[1]
	assert.Equal(t, http.MethodPost, upsert.Method)
	assert.Contains(t, upsert.Header.Get("Prefer"), "resolution=merge-duplicates")

	update := (*requests)[2]
	assert.Equal(t, http.MethodPatch, update.Method)
	assert.Equal(t, []string{"eq.u1"}, update.Query["user_id"])
	assert.Equal(t, []string{"eq.false"}, update.Query["read"])
	assert.Equal(t, true, update.Body["read"])

	del := (*requests)[3]
	assert.Equal(t, http.MethodDelete, del.Method)
	assert.Equal(t, []string{"eq.m1"}, del.Query["id"])

	assert.Error(t, c.Update(ctx, "messages", map[string]interface{}{"likes": 1}))
	assert.Error(t, c.Delete(ctx, "messages"))
	assert.Len(t, *requests, 4)
}

func TestClient_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("UniqueViolation", func(t *testing.T) {
		server, _ := newTestServer(t, http.StatusConflict, `{"code":"23505","message":"duplicate key value violates unique constraint \"channels_name_key\"","details":"Key (name)=(general) already exists."}`)
		err := New(server.URL, "anon", nil).Insert(ctx, "channels", map[string]interface{}{"name": "general"})
		assert.True(t, store.IsUniqueViolation(err))
		assert.Contains(t, err.Error(), "duplicate key")
	})

	t.Run("UndefinedTable", func(t *testing.T) {
		server, _ := newTestServer(t, http.StatusNotFound, `{"code":"42P01","message":"relation \"public.notifications\" does not exist"}`)
		_, err := New(server.URL, "anon", nil).Select(ctx, &store.Query{Table: "notifications"})
		assert.True(t, store.IsUndefinedTable(err))
	})

	t.Run("Opaque", func(t *testing.T) {
		server, _ := newTestServer(t, http.StatusBadGateway, `<html>bad gateway</html>`)
		_, err := New(server.URL, "anon", nil).Select(ctx, &store.Query{Table: "channels"})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "502")
		assert.False(t, store.IsUniqueViolation(err))
	})
}
