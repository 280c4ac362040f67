package bbclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClientCall(t *testing.T) {
	var (
		client   *Client
		ctx      context.Context
		gotBody  string
		gotPath  string
		respBody string
		respCode int
		server   *httptest.Server
	)

	setup := func(test func(*testing.T)) func(*testing.T) {
		return func(t *testing.T) {
			t.Helper()

			ctx = context.Background()
			respBody = `[true, "[INFO] Board successfully updated!"]`
			respCode = http.StatusOK

			server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				body, _ := io.ReadAll(r.Body)
				gotBody = string(body)
				gotPath = r.URL.Path

				w.WriteHeader(respCode)
				_, _ = w.Write([]byte(respBody))
			}))
			defer server.Close()

			client = NewClient(server.URL)

			test(t)
		}
	}

	t.Run("Success", setup(func(t *testing.T) {
		tuple, err := client.Call(ctx, "display_blackboard", []any{"A", json.Number("5")})
		require.NoError(t, err)
		require.Equal(t, []any{true, "[INFO] Board successfully updated!"}, tuple)
		require.Equal(t, "/rpc/display_blackboard", gotPath)
		require.Equal(t, `["A",5]`, gotBody)
	}))

	t.Run("NoArguments", setup(func(t *testing.T) {
		respBody = `[true, true, 1667988672.5, false, "[INFO] Successfully read Board status!"]`

		tuple, err := client.Call(ctx, "list_blackboards", nil)
		require.NoError(t, err)
		require.Equal(t, "[]", gotBody)
		require.Equal(t, json.Number("1667988672.5"), tuple[2])
	}))

	t.Run("NonOKStatus", setup(func(t *testing.T) {
		respBody = `Method not found: "drop_tables".`
		respCode = http.StatusNotFound

		_, err := client.Call(ctx, "drop_tables", nil)
		require.Equal(t, &CallError{Message: `Method not found: "drop_tables".`, StatusCode: http.StatusNotFound}, err)
	}))

	t.Run("MalformedResponse", setup(func(t *testing.T) {
		respBody = `not json`

		_, err := client.Call(ctx, "list_blackboards", nil)
		require.ErrorContains(t, err, "error decoding response")
	}))
}

func TestNewClient(t *testing.T) {
	require.Equal(t, "http://localhost:8080", NewClient("localhost:8080").baseURL)
	require.Equal(t, "https://example.com", NewClient("https://example.com/").baseURL)
}

func TestParseArgs(t *testing.T) {
	require.Equal(t,
		[]any{"A", json.Number("5"), json.Number("-1.5"), "hello world", `"5"`, " 5", "1e", "NaN"},
		ParseArgs([]string{"A", "5", "-1.5", "hello world", `"5"`, " 5", "1e", "NaN"}))
	require.Equal(t, []any{}, ParseArgs(nil))
}
