package seatchart

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"checkout-service/internal/util"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

var (
	// ErrUnavailable means the provider could not be reached or failed on its side
	ErrUnavailable = errors.New("seat chart provider unavailable")
	// ErrRejected means the provider refused the request
	ErrRejected = errors.New("seat chart provider rejected request")
)

// SeatsNotAvailableError is returned by PlaceHold when the provider already
// considers some of the seats taken.
type SeatsNotAvailableError struct {
	Seats []string
}

func (e *SeatsNotAvailableError) Error() string {
	return fmt.Sprintf("seats not available at provider: %s", strings.Join(e.Seats, ","))
}

func (e *SeatsNotAvailableError) Unwrap() error {
	return ErrRejected
}

// Object statuses reported by the provider
const (
	objectStatusFree   = "free"
	objectStatusBooked = "booked"
)

// Hold is a provider-side hold placed for a set of seats
type Hold struct {
	Token     string
	ExpiresAt time.Time
}

// Client talks to the seat chart provider's REST API
type Client struct {
	baseURL    string
	secretKey  string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient creates a new seat chart client
func NewClient(baseURL, secretKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		secretKey:  secretKey,
		httpClient: &http.Client{Timeout: timeout},
		logger:     util.GetLogger(),
	}
}

type actionRequest struct {
	Objects   []string `json:"objects"`
	HoldToken string   `json:"holdToken,omitempty"`
}

// PlaceHold creates a hold token and holds exactly the given seats with it
func (c *Client) PlaceHold(ctx context.Context, eventKey string, seatIDs []string) (*Hold, error) {
	ctx, span := util.StartSpan(ctx, "SeatChart.PlaceHold")
	defer span.End()

	status, body, err := c.do(ctx, http.MethodPost, "/hold-tokens", nil, nil)
	if err != nil {
		c.observe("hold", err)
		return nil, err
	}
	if status >= 300 {
		err = rejected(status, body)
		c.observe("hold", err)
		return nil, err
	}

	hold, err := parseHoldToken(body)
	if err != nil {
		c.observe("hold", err)
		return nil, err
	}

	status, body, err = c.do(ctx, http.MethodPost, eventPath(eventKey, "actions/hold"), nil,
		actionRequest{Objects: seatIDs, HoldToken: hold.Token})
	if err != nil {
		c.observe("hold", err)
		return nil, err
	}
	if status >= 300 {
		taken, lookupErr := c.unavailableSeats(ctx, eventKey, seatIDs, hold.Token)
		if lookupErr == nil && len(taken) > 0 {
			err = &SeatsNotAvailableError{Seats: taken}
		} else {
			err = rejected(status, body)
		}
		c.observe("hold", err)
		return nil, err
	}

	c.observe("hold", nil)
	c.logger.Debug("Provider hold placed",
		zap.String("event_key", eventKey),
		zap.Strings("seats", seatIDs),
		zap.Time("expires_at", hold.ExpiresAt))
	return hold, nil
}

// Book converts held seats into sold seats. Seats already booked count as success.
func (c *Client) Book(ctx context.Context, eventKey string, seatIDs []string, holdToken string) error {
	ctx, span := util.StartSpan(ctx, "SeatChart.Book")
	defer span.End()

	err := c.changeStatus(ctx, eventKey, "book", seatIDs, holdToken, objectStatusBooked)
	c.observe("book", err)
	return err
}

// Release frees the seats held under holdToken. A seat that is no longer held
// under holdToken (free again, or since taken by another hold or booking) counts
// as released; only seats still held under holdToken can make it fail.
func (c *Client) Release(ctx context.Context, eventKey string, seatIDs []string, holdToken string) error {
	ctx, span := util.StartSpan(ctx, "SeatChart.Release")
	defer span.End()

	err := c.release(ctx, eventKey, seatIDs, holdToken)
	c.observe("release", err)
	return err
}

func (c *Client) release(ctx context.Context, eventKey string, seatIDs []string, holdToken string) error {
	status, body, err := c.do(ctx, http.MethodPost, eventPath(eventKey, "actions/release"), nil,
		actionRequest{Objects: seatIDs, HoldToken: holdToken})
	if err != nil {
		return err
	}
	if status < 300 {
		return nil
	}

	// the provider refuses the whole batch when any seat moved on
	statuses, err := c.objectStatuses(ctx, eventKey, seatIDs)
	if err != nil {
		return err
	}
	ours := heldUnder(statuses, seatIDs, holdToken)
	if len(ours) == len(seatIDs) {
		return rejected(status, body)
	}

	moved := len(seatIDs) - len(ours)
	c.logger.Info("Seats no longer held under release token",
		zap.String("event_key", eventKey),
		zap.Int("moved", moved),
		zap.Int("still_held", len(ours)))
	if len(ours) == 0 {
		return nil
	}

	status, body, err = c.do(ctx, http.MethodPost, eventPath(eventKey, "actions/release"), nil,
		actionRequest{Objects: ours, HoldToken: holdToken})
	if err != nil {
		return err
	}
	if status >= 300 {
		return rejected(status, body)
	}
	return nil
}

func heldUnder(statuses map[string]objectState, seatIDs []string, holdToken string) []string {
	var held []string
	for _, id := range seatIDs {
		if st := statuses[id]; st.holdToken != "" && st.holdToken == holdToken {
			held = append(held, id)
		}
	}
	return held
}

// changeStatus runs an action and, when the provider refuses it, checks whether
// the seats are already in the target status so a repeated call is a no-op.
func (c *Client) changeStatus(ctx context.Context, eventKey, action string, seatIDs []string, holdToken, target string) error {
	status, body, err := c.do(ctx, http.MethodPost, eventPath(eventKey, "actions/"+action), nil,
		actionRequest{Objects: seatIDs, HoldToken: holdToken})
	if err != nil {
		return err
	}
	if status < 300 {
		return nil
	}

	statuses, lookupErr := c.objectStatuses(ctx, eventKey, seatIDs)
	if lookupErr != nil {
		return lookupErr
	}
	for _, id := range seatIDs {
		if statuses[id].status != target {
			return rejected(status, body)
		}
	}

	c.logger.Info("Provider action already applied",
		zap.String("action", action),
		zap.String("event_key", eventKey),
		zap.Strings("seats", seatIDs))
	return nil
}

type objectState struct {
	status    string
	holdToken string
}

func (c *Client) objectStatuses(ctx context.Context, eventKey string, seatIDs []string) (map[string]objectState, error) {
	query := url.Values{}
	for _, id := range seatIDs {
		query.Add("label", id)
	}

	status, body, err := c.do(ctx, http.MethodGet, eventPath(eventKey, "objects"), query, nil)
	if err != nil {
		return nil, err
	}
	if status >= 300 {
		return nil, rejected(status, body)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid object status payload", ErrUnavailable)
	}

	states := make(map[string]objectState, len(seatIDs))
	gjson.ParseBytes(body).ForEach(func(key, value gjson.Result) bool {
		states[key.String()] = objectState{
			status:    value.Get("status").String(),
			holdToken: value.Get("holdToken").String(),
		}
		return true
	})
	return states, nil
}

// unavailableSeats lists seats that are neither free nor held under holdToken.
func (c *Client) unavailableSeats(ctx context.Context, eventKey string, seatIDs []string, holdToken string) ([]string, error) {
	states, err := c.objectStatuses(ctx, eventKey, seatIDs)
	if err != nil {
		return nil, err
	}

	var taken []string
	for _, id := range seatIDs {
		st := states[id]
		if st.status == objectStatusFree || (st.holdToken != "" && st.holdToken == holdToken) {
			continue
		}
		taken = append(taken, id)
	}
	return taken, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload interface{}) (int, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.SetBasicAuth(c.secretKey, "")
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: failed to read response: %v", ErrUnavailable, err)
	}

	if resp.StatusCode >= 500 {
		return resp.StatusCode, body, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	return resp.StatusCode, body, nil
}

func (c *Client) observe(action string, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case errors.Is(err, ErrUnavailable):
		outcome = "unavailable"
	default:
		outcome = "rejected"
	}
	util.ChartRequestsTotal.WithLabelValues(action, outcome).Inc()
}

func parseHoldToken(body []byte) (*Hold, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: invalid hold token payload", ErrUnavailable)
	}

	token := gjson.GetBytes(body, "holdToken").String()
	if token == "" {
		return nil, fmt.Errorf("%w: hold token missing", ErrUnavailable)
	}

	expiresAt, err := time.Parse(time.RFC3339, gjson.GetBytes(body, "expiresAt").String())
	if err != nil {
		return nil, fmt.Errorf("%w: bad hold token expiry: %v", ErrUnavailable, err)
	}

	return &Hold{Token: token, ExpiresAt: expiresAt.UTC()}, nil
}

func rejected(status int, body []byte) error {
	msg := gjson.GetBytes(body, "messages.0").String()
	if msg == "" {
		msg = gjson.GetBytes(body, "errors.0.message").String()
	}
	return fmt.Errorf("%w: status %d: %s", ErrRejected, status, msg)
}

func eventPath(eventKey, suffix string) string {
	return "/events/" + url.PathEscape(eventKey) + "/" + suffix
}
