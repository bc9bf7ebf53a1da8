package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/shurlinet/parley/internal/node"
	"github.com/shurlinet/parley/internal/voice"
)

// Client connects to a running daemon via its Unix socket.
type Client struct {
	httpClient *http.Client
	socketPath string
	authToken  string
}

// NewClient creates a new daemon client. It reads the auth cookie
// automatically from the cookie file next to the socket.
func NewClient(socketPath, cookiePath string) (*Client, error) {
	if _, err := os.Stat(socketPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrDaemonNotRunning, socketPath)
	}

	token, err := os.ReadFile(cookiePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read daemon cookie: %w", err)
	}

	c := &Client{
		socketPath: socketPath,
		authToken:  strings.TrimSpace(string(token)),
		httpClient: &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}

	return c, nil
}

// do sends an HTTP request to the daemon and returns the raw response body.
func (c *Client) do(method, path string, body io.Reader, headers map[string]string) ([]byte, int, error) {
	req, err := http.NewRequest(method, "http://daemon"+path, body)
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.authToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return data, resp.StatusCode, nil
}

// responseError turns an error response into a Go error.
func responseError(data []byte, status int) error {
	var errResp ErrorResponse
	msg := ""
	if json.Unmarshal(data, &errResp) == nil {
		msg = errResp.Error
	}
	switch {
	case status == http.StatusUnauthorized:
		return fmt.Errorf("daemon: %w", ErrUnauthorized)
	case msg != "":
		return fmt.Errorf("daemon: %s", msg)
	}
	return fmt.Errorf("daemon returned HTTP %d", status)
}

// doJSON sends a request and decodes the JSON {"data": ...} envelope into target.
func (c *Client) doJSON(method, path string, req, target any) error {
	var body io.Reader
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return err
		}
		body = strings.NewReader(string(b))
	}
	data, status, err := c.do(method, path, body, nil)
	if err != nil {
		return err
	}
	if status >= 400 {
		return responseError(data, status)
	}

	if target != nil {
		var raw struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
		if err := json.Unmarshal(raw.Data, target); err != nil {
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}

// doText sends a request with Accept: text/plain and returns the text body.
func (c *Client) doText(method, path string) (string, error) {
	data, status, err := c.do(method, path, nil, map[string]string{"Accept": "text/plain"})
	if err != nil {
		return "", err
	}
	// Error responses are always JSON
	if status >= 400 {
		return "", responseError(data, status)
	}
	return string(data), nil
}

// --- Query methods ---

// Status returns the daemon's status.
func (c *Client) Status() (*node.Status, error) {
	var resp node.Status
	if err := c.doJSON("GET", "/v1/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StatusText returns the daemon's status as plain text.
func (c *Client) StatusText() (string, error) {
	return c.doText("GET", "/v1/status")
}

// Peers returns the peer sessions. If all is true, lost sessions are included.
func (c *Client) Peers(all bool) ([]node.PeerInfo, error) {
	var resp []node.PeerInfo
	if err := c.doJSON("GET", peersPath(all), nil, &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// PeersText returns peer sessions as plain text.
func (c *Client) PeersText(all bool) (string, error) {
	return c.doText("GET", peersPath(all))
}

func peersPath(all bool) string {
	if all {
		return "/v1/peers?all=true"
	}
	return "/v1/peers"
}

// CallState returns the current call.
func (c *Client) CallState() (*voice.CallState, error) {
	var resp voice.CallState
	if err := c.doJSON("GET", "/v1/call", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- Mutation methods ---

// SetName changes the display name carried on outgoing chat lines.
func (c *Client) SetName(name string) (string, error) {
	var resp NameResponse
	if err := c.doJSON("POST", "/v1/name", NameRequest{Name: name}, &resp); err != nil {
		return "", err
	}
	return resp.Name, nil
}

// Connect connects to the peer named by target.
func (c *Client) Connect(target string) (*ConnectResponse, error) {
	var resp ConnectResponse
	if err := c.doJSON("POST", "/v1/connect", ConnectRequest{Target: target}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Chat sends a chat line and returns how many peers it reached.
func (c *Client) Chat(text string) (int, error) {
	var resp ChatResponse
	if err := c.doJSON("POST", "/v1/chat", ChatRequest{Text: text}, &resp); err != nil {
		return 0, err
	}
	return resp.Delivered, nil
}

// Call starts a voice call to peerID and returns the call ID.
func (c *Client) Call(peerID string) (string, error) {
	var resp CallResponse
	if err := c.doJSON("POST", "/v1/call", CallRequest{Peer: peerID}, &resp); err != nil {
		return "", err
	}
	return resp.CallID, nil
}

// Answer accepts the ringing incoming call.
func (c *Client) Answer() (*voice.CallState, error) {
	var resp voice.CallState
	if err := c.doJSON("POST", "/v1/call/answer", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SendAudio sends one audio chunk on the active call.
func (c *Client) SendAudio(chunk []byte) error {
	return c.doJSON("POST", "/v1/call/audio", AudioRequest{Chunk: chunk}, nil)
}

// Hangup ends the current call, if any.
func (c *Client) Hangup() error {
	return c.doJSON("DELETE", "/v1/call", nil, nil)
}

// ServeRelay starts the relay role and returns the address peers join.
func (c *Client) ServeRelay() (string, error) {
	var resp RelayResponse
	if err := c.doJSON("POST", "/v1/relay", nil, &resp); err != nil {
		return "", err
	}
	return resp.Address, nil
}

// JoinRelay reserves a slot on the relay at addr and returns the circuit
// address others reach this node on.
func (c *Client) JoinRelay(addr string) (string, error) {
	var resp RelayResponse
	if err := c.doJSON("POST", "/v1/relay/join", RelayJoinRequest{Address: addr}, &resp); err != nil {
		return "", err
	}
	return resp.Address, nil
}

// Shutdown requests the daemon to shut down gracefully.
func (c *Client) Shutdown() error {
	return c.doJSON("POST", "/v1/shutdown", nil, nil)
}

// --- Event stream ---

// Events streams node events to fn until ctx is done, fn returns an error,
// or the daemon ends the stream. With types set, only those are delivered.
// A stream the daemon closes cleanly returns nil.
func (c *Client) Events(ctx context.Context, types []node.EventType, fn func(node.Event) error) error {
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", c.socketPath)
		},
		HandshakeTimeout: 10 * time.Second,
	}

	u := "ws://daemon/v1/events"
	if len(types) > 0 {
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		u += "?types=" + url.QueryEscape(strings.Join(names, ","))
	}
	header := http.Header{"Authorization": {"Bearer " + c.authToken}}

	conn, resp, err := dialer.DialContext(ctx, u, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return fmt.Errorf("daemon: %w", ErrUnauthorized)
		}
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var ev node.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("event stream: %w", err)
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
}
