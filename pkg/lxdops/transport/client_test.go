package transport

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/lxdops/pkg/lxdops/core"
	"github.com/canonical/lxdops/pkg/lxdops/testutil"
)

func TestClientURL(t *testing.T) {
	c, err := New(Options{URL: "https://hv.example:8443/"})
	require.NoError(t, err)

	assert.Equal(t, "https://hv.example:8443/1.0/instances", c.URL("/1.0/instances", nil))
	assert.Equal(t,
		"https://hv.example:8443/1.0/instances?project=demo&recursion=1",
		c.URL("/1.0/instances", url.Values{"recursion": {"1"}, "project": {"demo"}}))
	assert.Equal(t,
		"https://hv.example:8443/1.0/operations/a/wait?timeout=10&project=x&target=m1",
		c.URL("/1.0/operations/a/wait?timeout=10&project=x", url.Values{"target": {"m1"}}))
}

func TestNewRequiresEndpoint(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	c, err := New(Options{UnixSocket: "/var/lib/lxd/unix.socket"})
	require.NoError(t, err)
	assert.Equal(t, "http://unix.socket", c.BaseURL())
}

func TestClientAgainstServer(t *testing.T) {
	srv := testutil.NewServer()
	defer srv.Close()
	srv.AddInstance("c1", "Running")
	srv.SetConsole("c1", "hello console")

	c, err := New(Options{URL: srv.URL, HTTPClient: srv.Client()})
	require.NoError(t, err)
	ctx := context.Background()

	t.Run("sync get", func(t *testing.T) {
		resp, err := c.Get(ctx, "/1.0/instances", url.Values{"recursion": {"1"}})
		require.NoError(t, err)
		var list []testutil.Instance
		require.NoError(t, resp.MetadataAs(&list))
		require.Len(t, list, 1)
		assert.Equal(t, "c1", list[0].Name)
	})

	t.Run("async put returns an operation", func(t *testing.T) {
		resp, err := c.Put(ctx, "/1.0/instances/c1/state", nil, map[string]interface{}{"action": "stop"})
		require.NoError(t, err)
		assert.True(t, resp.IsAsync())
		op, err := resp.AsOperation()
		require.NoError(t, err)
		assert.Equal(t, core.StatusRunning, op.Status)
	})

	t.Run("protocol errors carry the server message", func(t *testing.T) {
		srv.Reject("c2", "Instance is busy")
		_, err := c.Delete(ctx, "/1.0/instances/c2", nil)
		require.Error(t, err)
		assert.Equal(t, "Instance is busy", err.Error())
		assert.Equal(t, 400, core.StatusCodeOf(err))
	})

	t.Run("text mode", func(t *testing.T) {
		text, err := c.GetText(ctx, "/1.0/instances/c1/console", nil)
		require.NoError(t, err)
		assert.Equal(t, "hello console", text)
	})

	t.Run("upload", func(t *testing.T) {
		resp, err := c.Upload(ctx, "/1.0/instances", nil, strings.NewReader("backup-bytes"), map[string][]string{"X-LXD-name": {"c9"}})
		require.NoError(t, err)
		assert.True(t, resp.IsAsync())
		uploads := srv.Uploads()
		require.Len(t, uploads, 1)
		assert.Equal(t, "backup-bytes", string(uploads[0]))
	})

	t.Run("cancelled upload", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := c.Upload(cctx, "/1.0/instances", nil, strings.NewReader("x"), nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("transport errors propagate", func(t *testing.T) {
		dead, err := New(Options{URL: "http://127.0.0.1:1", HTTPClient: srv.Client()})
		require.NoError(t, err)
		tctx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()
		_, err = dead.Get(tctx, "/1.0", nil)
		require.Error(t, err)
		assert.Equal(t, 0, core.StatusCodeOf(err))
	})
}
