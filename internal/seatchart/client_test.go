package seatchart

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObject struct {
	Status    string `json:"status"`
	HoldToken string `json:"holdToken,omitempty"`
}

// fakeProvider mimics the provider's hold/book/release rules for one event.
type fakeProvider struct {
	mu       sync.Mutex
	objects  map[string]*fakeObject
	tokens   int
	down     bool
	lastAuth string
	calls    map[string]int
	refuse   string
}

func newFakeProvider(labels ...string) *fakeProvider {
	p := &fakeProvider{objects: map[string]*fakeObject{}, calls: map[string]int{}}
	for _, l := range labels {
		p.objects[l] = &fakeObject{Status: "free"}
	}
	return p
}

func (p *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	user, _, _ := r.BasicAuth()
	p.lastAuth = user

	if p.down {
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	switch {
	case r.URL.Path == "/hold-tokens":
		p.tokens++
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"holdToken": fmt.Sprintf("tok-%d", p.tokens),
			"expiresAt": "2030-01-01T10:15:00Z",
		})
	case r.URL.Path == "/events/ev-1/objects":
		out := map[string]*fakeObject{}
		for _, l := range r.URL.Query()["label"] {
			if o, ok := p.objects[l]; ok {
				out[l] = o
			}
		}
		writeJSON(w, http.StatusOK, out)
	case strings.HasPrefix(r.URL.Path, "/events/ev-1/actions/"):
		action := strings.TrimPrefix(r.URL.Path, "/events/ev-1/actions/")
		p.calls[action]++

		var req actionRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if action == p.refuse || !p.apply(action, req) {
			writeJSON(w, http.StatusBadRequest, map[string]interface{}{
				"errors":   []map[string]string{{"code": "ILLEGAL_STATUS_CHANGE", "message": "illegal status change"}},
				"messages": []string{"illegal status change"},
			})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (p *fakeProvider) apply(action string, req actionRequest) bool {
	for _, l := range req.Objects {
		o, ok := p.objects[l]
		if !ok {
			return false
		}
		switch action {
		case "hold":
			if o.Status != "free" {
				return false
			}
		case "book", "release":
			if o.Status != "reservedByToken" || o.HoldToken != req.HoldToken {
				return false
			}
		}
	}
	for _, l := range req.Objects {
		o := p.objects[l]
		switch action {
		case "hold":
			o.Status, o.HoldToken = "reservedByToken", req.HoldToken
		case "book":
			o.Status, o.HoldToken = "booked", ""
		case "release":
			o.Status, o.HoldToken = "free", ""
		}
	}
	return true
}

func (p *fakeProvider) status(label string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.objects[label].Status
}

func (p *fakeProvider) callCount(action string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[action]
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, p *fakeProvider) *Client {
	t.Helper()
	srv := httptest.NewServer(p)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "secret-key", 2*time.Second)
}

func TestPlaceHold(t *testing.T) {
	p := newFakeProvider("A-1", "A-2")
	c := newTestClient(t, p)

	hold, err := c.PlaceHold(context.Background(), "ev-1", []string{"A-1", "A-2"})
	require.NoError(t, err)
	assert.Equal(t, "tok-1", hold.Token)
	assert.True(t, hold.ExpiresAt.Equal(time.Date(2030, 1, 1, 10, 15, 0, 0, time.UTC)))
	assert.Equal(t, "secret-key", p.lastAuth)
	assert.Equal(t, "reservedByToken", p.status("A-1"))
}

func TestPlaceHold_SeatTaken(t *testing.T) {
	p := newFakeProvider("A-1", "A-2")
	p.objects["A-2"].Status = "booked"
	c := newTestClient(t, p)

	_, err := c.PlaceHold(context.Background(), "ev-1", []string{"A-1", "A-2"})
	require.Error(t, err)

	var notAvailable *SeatsNotAvailableError
	require.True(t, errors.As(err, &notAvailable))
	assert.Equal(t, []string{"A-2"}, notAvailable.Seats)
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Equal(t, "free", p.status("A-1"))
}

func TestBook_RepeatIsNoop(t *testing.T) {
	p := newFakeProvider("A-1")
	c := newTestClient(t, p)

	hold, err := c.PlaceHold(context.Background(), "ev-1", []string{"A-1"})
	require.NoError(t, err)

	require.NoError(t, c.Book(context.Background(), "ev-1", []string{"A-1"}, hold.Token))
	require.NoError(t, c.Book(context.Background(), "ev-1", []string{"A-1"}, hold.Token))
	assert.Equal(t, "booked", p.status("A-1"))
	assert.Equal(t, 2, p.callCount("book"))
}

func TestBook_RejectedWhenHoldLapsed(t *testing.T) {
	p := newFakeProvider("A-1")
	c := newTestClient(t, p)

	err := c.Book(context.Background(), "ev-1", []string{"A-1"}, "tok-gone")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Contains(t, err.Error(), "illegal status change")
}

func TestRelease_RepeatIsNoop(t *testing.T) {
	p := newFakeProvider("A-1", "A-2")
	c := newTestClient(t, p)

	hold, err := c.PlaceHold(context.Background(), "ev-1", []string{"A-1", "A-2"})
	require.NoError(t, err)

	require.NoError(t, c.Release(context.Background(), "ev-1", []string{"A-1", "A-2"}, hold.Token))
	require.NoError(t, c.Release(context.Background(), "ev-1", []string{"A-1", "A-2"}, hold.Token))
	assert.Equal(t, "free", p.status("A-2"))
}

func TestRelease_SeatReassignedToAnotherHold(t *testing.T) {
	p := newFakeProvider("A-1", "A-2")
	c := newTestClient(t, p)

	hold, err := c.PlaceHold(context.Background(), "ev-1", []string{"A-1", "A-2"})
	require.NoError(t, err)

	// tok-1 lapsed at the provider and A-2 went to another buyer
	p.mu.Lock()
	p.objects["A-2"].HoldToken = "tok-other"
	p.mu.Unlock()

	require.NoError(t, c.Release(context.Background(), "ev-1", []string{"A-1", "A-2"}, hold.Token))
	assert.Equal(t, "free", p.status("A-1"))
	assert.Equal(t, "reservedByToken", p.status("A-2"))
	assert.Equal(t, 2, p.callCount("release"))
}

func TestRelease_AllSeatsMovedOn(t *testing.T) {
	p := newFakeProvider("A-1", "A-2")
	p.objects["A-1"].Status = "booked"
	p.objects["A-2"].Status, p.objects["A-2"].HoldToken = "reservedByToken", "tok-other"
	c := newTestClient(t, p)

	require.NoError(t, c.Release(context.Background(), "ev-1", []string{"A-1", "A-2"}, "tok-1"))
	assert.Equal(t, "booked", p.status("A-1"))
	assert.Equal(t, 1, p.callCount("release"))
}

func TestRelease_FailsWhileStillHeld(t *testing.T) {
	p := newFakeProvider("A-1", "A-2")
	c := newTestClient(t, p)

	hold, err := c.PlaceHold(context.Background(), "ev-1", []string{"A-1", "A-2"})
	require.NoError(t, err)

	p.mu.Lock()
	p.refuse = "release"
	p.objects["A-2"].HoldToken = "tok-other"
	p.mu.Unlock()

	err = c.Release(context.Background(), "ev-1", []string{"A-1", "A-2"}, hold.Token)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
	assert.Equal(t, "reservedByToken", p.status("A-1"))
}

func TestProviderDown(t *testing.T) {
	p := newFakeProvider("A-1")
	p.down = true
	c := newTestClient(t, p)

	_, err := c.PlaceHold(context.Background(), "ev-1", []string{"A-1"})
	assert.True(t, errors.Is(err, ErrUnavailable))

	err = c.Release(context.Background(), "ev-1", []string{"A-1"}, "tok")
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestProviderUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url, "k", time.Second)
	err := c.Book(context.Background(), "ev-1", []string{"A-1"}, "tok")
	assert.True(t, errors.Is(err, ErrUnavailable))
}
