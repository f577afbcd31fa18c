package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/canonical/lxdops/pkg/lxdops/core"
)

// DecodeResponse turns a raw HTTP response into an envelope. Non-2xx
// statuses and error envelopes are returned as *core.ProtocolError carrying
// the server message when there is one. The body is always consumed and closed.
func DecodeResponse(resp *http.Response) (*core.Response, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if !isSuccess(resp.StatusCode) {
		return nil, protocolError(resp.StatusCode, body)
	}

	envelope := &core.Response{}
	if err := json.Unmarshal(body, envelope); err != nil {
		return nil, fmt.Errorf("failed to parse response body: %w", err)
	}

	if envelope.Type == core.ResponseTypeError {
		code := envelope.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return nil, &core.ProtocolError{StatusCode: code, Message: envelope.Error}
	}

	return envelope, nil
}

// DecodeText is the text-mode variant used for console and log buffers.
func DecodeText(resp *http.Response) (string, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}

	if !isSuccess(resp.StatusCode) {
		return "", protocolError(resp.StatusCode, body)
	}

	return string(body), nil
}

func isSuccess(code int) bool {
	return code >= 200 && code < 300
}

// protocolError prefers the envelope "error" field and falls back to the
// generic status text when the body is not an envelope.
func protocolError(code int, body []byte) error {
	envelope := &core.Response{}
	if err := json.Unmarshal(body, envelope); err == nil && envelope.Error != "" {
		return &core.ProtocolError{StatusCode: code, Message: envelope.Error}
	}

	msg := http.StatusText(code)
	if msg == "" {
		msg = fmt.Sprintf("unexpected status %d", code)
	}
	return &core.ProtocolError{StatusCode: code, Message: msg}
}
