package transport

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/lxdops/pkg/lxdops/core"
)

func response(code int, body string) *http.Response {
	return &http.Response{
		StatusCode: code,
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func TestDecodeResponse(t *testing.T) {
	t.Run("success envelope is returned unchanged", func(t *testing.T) {
		resp, err := DecodeResponse(response(200, `{"type":"sync","status":"Success","status_code":200,"metadata":{"name":"c1"}}`))
		require.NoError(t, err)
		assert.Equal(t, core.ResponseTypeSync, resp.Type)
		assert.JSONEq(t, `{"name":"c1"}`, string(resp.Metadata))
	})

	t.Run("server message is used for failures", func(t *testing.T) {
		_, err := DecodeResponse(response(404, `{"type":"error","error":"Instance not found","error_code":404}`))
		require.Error(t, err)

		var protoErr *core.ProtocolError
		require.True(t, errors.As(err, &protoErr))
		assert.Equal(t, 404, protoErr.StatusCode)
		assert.Equal(t, "Instance not found", protoErr.Message)
	})

	t.Run("generic message when the body is not an envelope", func(t *testing.T) {
		_, err := DecodeResponse(response(502, `<html>bad gateway</html>`))
		require.Error(t, err)
		assert.Equal(t, http.StatusText(502), err.Error())
		assert.Equal(t, 502, core.StatusCodeOf(err))
	})

	t.Run("error envelope with a 2xx status", func(t *testing.T) {
		_, err := DecodeResponse(response(200, `{"type":"error","error":"Forbidden","error_code":403}`))
		require.Error(t, err)
		assert.Equal(t, 403, core.StatusCodeOf(err))
	})

	t.Run("malformed body", func(t *testing.T) {
		_, err := DecodeResponse(response(200, `{"type":`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "failed to parse response body")
		assert.Equal(t, 0, core.StatusCodeOf(err))
	})
}

func TestDecodeText(t *testing.T) {
	text, err := DecodeText(response(200, "boot log\nline 2\n"))
	require.NoError(t, err)
	assert.Equal(t, "boot log\nline 2\n", text)

	_, err = DecodeText(response(500, `{"error":"console unavailable"}`))
	require.Error(t, err)
	assert.Equal(t, "console unavailable", err.Error())
}
