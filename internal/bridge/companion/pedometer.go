package companion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"example.com/healthsync/internal/steps"
)

// Pedometer streams cumulative step readings over the companion websocket.
type Pedometer struct {
	url   string
	token string
}

var _ steps.Pedometer = (*Pedometer)(nil)

// NewPedometer derives the websocket endpoint from the companion base URL.
func NewPedometer(baseURL, token string) *Pedometer {
	wsURL := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	return &Pedometer{url: wsURL + "/v1/pedometer", token: strings.TrimSpace(token)}
}

// Open dials the companion stream. Dial failures surface here rather than
// after the session has started.
func (p *Pedometer) Open(ctx context.Context) (steps.Stream, error) {
	opts := &websocket.DialOptions{}
	if p.token != "" {
		opts.HTTPHeader = http.Header{"Authorization": []string{"Bearer " + p.token}}
	}
	conn, _, err := websocket.Dial(ctx, p.url, opts)
	if err != nil {
		return nil, fmt.Errorf("dial pedometer: %w", err)
	}
	return &pedometerStream{conn: conn}, nil
}

type pedometerStream struct {
	conn *websocket.Conn
}

// Next returns io.EOF when the companion closes the stream normally.
func (s *pedometerStream) Next(ctx context.Context) (steps.Reading, error) {
	var reading steps.Reading
	if err := wsjson.Read(ctx, s.conn, &reading); err != nil {
		if ctx.Err() != nil {
			return steps.Reading{}, ctx.Err()
		}
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			return steps.Reading{}, io.EOF
		}
		return steps.Reading{}, fmt.Errorf("read pedometer: %w", err)
	}
	return reading, nil
}

func (s *pedometerStream) Close() error {
	return s.conn.Close(websocket.StatusNormalClosure, "")
}

// CheckActivityRecognition asks the companion whether the permission is held.
func (c *Client) CheckActivityRecognition(ctx context.Context) (bool, error) {
	var out struct {
		Granted bool `json:"granted"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/permissions/activity-recognition", nil, &out); err != nil {
		return false, err
	}
	return out.Granted, nil
}

// RequestActivityRecognition asks the companion to prompt the user.
func (c *Client) RequestActivityRecognition(ctx context.Context) (bool, error) {
	var out struct {
		Granted bool `json:"granted"`
	}
	err := c.doJSON(ctx, http.MethodPost, "/v1/permissions/activity-recognition", nil, &out)
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusForbidden {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return out.Granted, nil
}

var _ steps.PermissionChecker = (*Client)(nil)
