// Package testhelpers provides common utilities and helper functions for testing the chat hub.
//
// This package contains reusable test utilities that are shared across package tests.
// It provides functions for signing access tokens, making HTTP requests, and driving
// WebSocket clients to reduce code duplication in test files.
package testhelpers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/chathub/internal/auth"
)

// TestOrigin is the browser origin test clients present.
const TestOrigin = "http://localhost:8080"

// SignToken returns an HS256 access token for userID expiring after ttl.
// A negative ttl yields an already expired token.
func SignToken(t *testing.T, secret string, userID uint, ttl time.Duration) string {
	t.Helper()
	now := time.Now()
	return SignClaims(t, secret, auth.Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
}

// SignClaims signs arbitrary claims with HS256.
func SignClaims(t *testing.T, secret string, claims auth.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("Failed to sign token: %v", err)
	}
	return signed
}

// WebSocketURL builds the upgrade URL for a test server base URL.
func WebSocketURL(baseURL string, roomID uint, token string) string {
	u, _ := url.Parse(baseURL)
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws"
	q := url.Values{}
	q.Set("room_id", fmt.Sprint(roomID))
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// ConnectWebSocket dials the URL with the test origin. The handshake response
// is returned so callers can inspect refused upgrades.
func ConnectWebSocket(rawURL string) (*websocket.Conn, *http.Response, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
	}

	headers := http.Header{}
	headers.Set("Origin", TestOrigin)

	conn, resp, err := dialer.Dial(rawURL, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	return conn, resp, err
}

// Frame is a decoded outbound frame.
type Frame map[string]any

// Type returns the frame discriminator.
func (f Frame) Type() string {
	s, _ := f["type"].(string)
	return s
}

// Int returns a numeric field as int.
func (f Frame) Int(key string) int {
	v, _ := f[key].(float64)
	return int(v)
}

// String returns a string field.
func (f Frame) String(key string) string {
	s, _ := f[key].(string)
	return s
}

// ReadFrame reads one JSON frame, failing after timeout.
func ReadFrame(conn *websocket.Conn, timeout time.Duration) (Frame, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	var frame Frame
	err := conn.ReadJSON(&frame)
	return frame, err
}

// ExpectFrame reads the next frame and fails the test unless it has type typ.
func ExpectFrame(t *testing.T, conn *websocket.Conn, typ string) Frame {
	t.Helper()
	frame, err := ReadFrame(conn, 3*time.Second)
	if err != nil {
		t.Fatalf("Failed to read %s frame: %v", typ, err)
	}
	if frame.Type() != typ {
		t.Fatalf("Expected %s frame, got %v", typ, frame)
	}
	return frame
}

// ExpectNoFrame asserts nothing arrives within wait.
func ExpectNoFrame(t *testing.T, conn *websocket.Conn, wait time.Duration) {
	t.Helper()
	frame, err := ReadFrame(conn, wait)
	if err == nil {
		t.Fatalf("Expected no frame, but received %v", frame)
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return
	}
	t.Fatalf("Unexpected error while waiting for absence of frame: %v", err)
}

// SendFrame writes v as a JSON text frame.
func SendFrame(conn *websocket.Conn, v any) error {
	return conn.WriteJSON(v)
}

// SendRawMessage sends a raw byte message over the WebSocket connection.
func SendRawMessage(conn *websocket.Conn, messageType int, data []byte) error {
	return conn.WriteMessage(messageType, data)
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// MakeRequest creates and executes an HTTP request with an optional bearer
// token and JSON body, returning the response.
func MakeRequest(t *testing.T, method, rawURL, token string, body any) *http.Response {
	t.Helper()

	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, rawURL, reader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

// DecodeBody unmarshals a JSON response body into v.
func DecodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Failed to decode response body: %v", err)
	}
}

// AssertStatusCode checks if the HTTP response has the expected status code.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	if contentType := resp.Header.Get("Content-Type"); contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}
