package edfi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"amt/internal/domain"
)

// fakeAPI serves a fixed number of records per endpoint in pages.
type fakeAPI struct {
	mu       sync.Mutex
	total    int
	failAt   int // offset that answers 500; -1 disables
	queries  []string
	authSeen []string
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		_ = r.ParseForm()
		if !ok || user != "key" || pass != "secret" || r.Form.Get("grant_type") != "client_credentials" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"access_token":"tok-1","token_type":"bearer","expires_in":1800}`)
	})
	mux.HandleFunc("/data/v3/2024/ed-fi/students", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.queries = append(f.queries, r.URL.RawQuery)
		f.authSeen = append(f.authSeen, r.Header.Get("Authorization"))
		f.mu.Unlock()

		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if offset == f.failAt {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		page := []map[string]any{}
		for i := offset; i < offset+limit && i < f.total; i++ {
			page = append(page, map[string]any{"studentUniqueId": strconv.Itoa(i)})
		}
		_ = json.NewEncoder(w).Encode(page)
	})
	mux.HandleFunc("/changeQueries/v1/2024/availableChangeVersions", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"OldestChangeVersion":100,"NewestChangeVersion":500}`)
	})
	return mux
}

func newTestClient(srv *httptest.Server, limit int) *Client {
	return New(Options{
		BaseURL:                 srv.URL,
		Prefix:                  "data/v3",
		TokenURL:                srv.URL + "/oauth/token",
		User:                    "key",
		Password:                "secret",
		Limit:                   limit,
		AvailableChangeVersions: "changeQueries/v1/{schoolYear}/availableChangeVersions",
		CertVerification:        true,
	})
}

func TestAcquireToken(t *testing.T) {
	api := &fakeAPI{failAt: -1}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	c := newTestClient(srv, 2)
	tok, err := c.AcquireToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	bad := New(Options{BaseURL: srv.URL, TokenURL: srv.URL + "/oauth/token", User: "key", Password: "nope"})
	_, err = bad.AcquireToken(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.KindAuth, domain.KindOf(err))
}

func TestEndpointURL(t *testing.T) {
	c := New(Options{BaseURL: "https://h/api", Prefix: "data/v3"})
	assert.Equal(t, "https://h/api/data/v3/2024/ed-fi/students", c.EndpointURL("2024", "ed-fi/students"))
	assert.Equal(t, "https://h/api/data/v3/ed-fi/students/deletes", c.EndpointURL("", "/ed-fi/students/deletes"))
}

func TestFetchAllExactMultipleOfLimit(t *testing.T) {
	api := &fakeAPI{total: 4, failAt: -1}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	c := newTestClient(srv, 2)
	window := &domain.ChangeVersionWindow{Oldest: 100, Newest: 500}
	recs, err := c.FetchAll(context.Background(), c.EndpointURL("2024", "ed-fi/students"), "tok-1", window)
	require.NoError(t, err)
	require.Len(t, recs, 4)

	var first map[string]string
	require.NoError(t, json.Unmarshal(recs[0], &first))
	assert.Equal(t, "0", first["studentUniqueId"])

	// two full pages, then one empty page terminates
	assert.Equal(t, []string{
		"limit=2&offset=0&minChangeVersion=100&maxChangeVersion=500",
		"limit=2&offset=2&minChangeVersion=100&maxChangeVersion=500",
		"limit=2&offset=4&minChangeVersion=100&maxChangeVersion=500",
	}, api.queries)
	assert.Equal(t, "Bearer tok-1", api.authSeen[0])
}

func TestFetchAllWithoutWindow(t *testing.T) {
	api := &fakeAPI{total: 1, failAt: -1}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	c := newTestClient(srv, 5)
	recs, err := c.FetchAll(context.Background(), c.EndpointURL("2024", "ed-fi/students"), "tok-1", nil)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	assert.Equal(t, "limit=5&offset=0", api.queries[0])
}

func TestFetchAllPartialFailure(t *testing.T) {
	api := &fakeAPI{total: 10, failAt: 4}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	c := newTestClient(srv, 2)
	recs, err := c.FetchAll(context.Background(), c.EndpointURL("2024", "ed-fi/students"), "tok-1", nil)
	require.Error(t, err)
	assert.Equal(t, domain.KindFetch, domain.KindOf(err))
	assert.Len(t, recs, 4)
}

func TestAvailableChangeVersions(t *testing.T) {
	api := &fakeAPI{failAt: -1}
	srv := httptest.NewServer(api.handler(t))
	defer srv.Close()

	c := newTestClient(srv, 2)
	w, err := c.AvailableChangeVersions(context.Background(), "tok-1", "2024")
	require.NoError(t, err)
	assert.Equal(t, domain.ChangeVersionWindow{Oldest: 100, Newest: 500}, w)
}
