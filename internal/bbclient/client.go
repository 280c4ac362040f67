// Package bbclient makes one-shot calls against a blackboard server.
package bbclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/brandur/blackboard/internal/util/stringutil"
)

const DefaultTimeout = 30 * time.Second

// CallError is returned when the server rejects a call outright, as opposed
// to answering it with a failure tuple.
type CallError struct {
	Message    string
	StatusCode int
}

func (e *CallError) Error() string {
	return fmt.Sprintf("server responded with status %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient targets server, given either as host:port or as a full URL.
func NewClient(server string) *Client {
	if !strings.Contains(server, "://") {
		server = "http://" + server
	}

	return &Client{
		baseURL:    strings.TrimSuffix(server, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
}

// Call invokes method with args and returns the response tuple. Numbers in
// the tuple come back as json.Number.
func (c *Client) Call(ctx context.Context, method string, args []any) ([]any, error) {
	if args == nil {
		args = []any{}
	}

	reqBody, err := json.Marshal(args)
	if err != nil {
		return nil, xerrors.Errorf("error encoding arguments: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/rpc/"+url.PathEscape(method), bytes.NewReader(reqBody))
	if err != nil {
		return nil, xerrors.Errorf("error building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("error calling %q: %w", method, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, xerrors.Errorf("error reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &CallError{
			Message:    stringutil.SampleLong(strings.TrimSpace(string(respBody))),
			StatusCode: resp.StatusCode,
		}
	}

	decoder := json.NewDecoder(bytes.NewReader(respBody))
	decoder.UseNumber()

	var tuple []any
	if err := decoder.Decode(&tuple); err != nil {
		return nil, xerrors.Errorf("error decoding response: %w", err)
	}

	return tuple, nil
}

// ParseArgs converts command line arguments into call arguments. Anything
// that reads as a JSON number is sent as one. Everything else is a string.
func ParseArgs(raw []string) []any {
	args := make([]any, len(raw))
	for i, s := range raw {
		args[i] = parseArg(s)
	}
	return args
}

func parseArg(s string) any {
	var num json.Number

	decoder := json.NewDecoder(strings.NewReader(s))
	decoder.UseNumber()

	if err := decoder.Decode(&num); err != nil || decoder.More() || num.String() != s {
		return s
	}

	return num
}
