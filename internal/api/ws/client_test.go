package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamview/streamview/internal/errors"
)

func dial(t *testing.T, m *Manager) *Client {
	t.Helper()
	srv := httptest.NewServer(m.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c, err := Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	return c
}

func TestClient_RoundTrip(t *testing.T) {
	h := newHost(t)
	m := newManager(t, h, DefaultOptions())
	c := dial(t, m)
	ctx := context.Background()

	var list ListResult
	require.NoError(t, c.Call(ctx, CmdList, "", nil, &list))
	assert.Equal(t, []string{"log", "trades"}, list.Tables)

	var created ViewResult
	require.NoError(t, c.Call(ctx, CmdView, "trades", &ViewArgs{
		View:   "totals",
		Config: json.RawMessage(`{"columns":["qty"],"aggregates":{"qty":"sum"},"group_by":["sym"]}`),
	}, &created))

	updates := make(chan json.RawMessage, 4)
	sub, err := c.OnUpdate(ctx, "totals", func(data json.RawMessage) { updates <- data })
	require.NoError(t, err)

	var d DeltaResult
	require.NoError(t, c.Call(ctx, CmdUpdate, "trades", map[string]interface{}{
		"data": []map[string]interface{}{{"sym": "AAPL", "qty": 1}},
	}, &d))
	assert.Equal(t, uint64(1), d.Updated)

	select {
	case data := <-updates:
		var u struct {
			Rows []map[string]interface{} `json:"rows"`
		}
		require.NoError(t, json.Unmarshal(data, &u))
		require.Len(t, u.Rows, 1)
		assert.Equal(t, 1.0, u.Rows[0]["qty"])
	case <-time.After(2 * time.Second):
		t.Fatal("no update pushed")
	}

	require.NoError(t, c.Unsubscribe(ctx, sub))

	err = c.Call(ctx, CmdSize, "missing", nil, nil)
	require.Error(t, err)
	assert.Equal(t, errors.CodeNotFound, errors.GetCode(err))

	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool {
		return m.Len() == 0 && len(h.ViewNames()) == 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.Error(t, c.Call(ctx, CmdList, "", nil, nil))
}

func TestHandler_RejectsPlainHTTP(t *testing.T) {
	m := newManager(t, newHost(t), Options{})
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 400, resp.StatusCode)
	assert.Equal(t, 0, m.Len())
}
