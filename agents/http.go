package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/deepnoodle-ai/durable"
	"github.com/deepnoodle-ai/durable/retry"
)

// HTTPInput defines the input of the http agent
type HTTPInput struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
	JSON    any               `json:"json"`

	// FailOnError turns a non-2xx response into a step failure. 5xx and 429
	// responses are retryable.
	FailOnError bool `json:"fail_on_error"`

	NoRedirects bool `json:"no_redirects"`
}

// HTTP makes an HTTP request. The step timeout bounds the request.
type HTTP struct {
	client *http.Client
}

// NewHTTP returns an http agent using client, or http.DefaultClient if nil.
func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTP{client: client}
}

func (a *HTTP) Name() string {
	return "http"
}

func (a *HTTP) Execute(ctx context.Context, req *durable.AgentRequest) (any, error) {
	var input HTTPInput
	if err := req.Decode(&input); err != nil {
		return nil, err
	}
	if input.URL == "" {
		return nil, durable.NewError(durable.ErrorCodeValidation, "http agent requires 'url' input")
	}
	if input.Method == "" {
		input.Method = http.MethodGet
	}

	var body io.Reader
	if input.JSON != nil {
		data, err := json.Marshal(input.JSON)
		if err != nil {
			return nil, durable.NewError(durable.ErrorCodeValidation, fmt.Sprintf("failed to encode json body: %s", err))
		}
		body = bytes.NewReader(data)
	} else if input.Body != "" {
		body = strings.NewReader(input.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(input.Method), input.URL, body)
	if err != nil {
		return nil, durable.NewError(durable.ErrorCodeValidation, fmt.Sprintf("failed to create request: %s", err))
	}
	for key, value := range input.Headers {
		httpReq.Header.Set(key, value)
	}
	if input.JSON != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	client := a.client
	if input.NoRedirects {
		c := *client
		c.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
		client = &c
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, retry.NewRecoverableError(fmt.Errorf("failed to make request: %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, retry.NewRecoverableError(fmt.Errorf("failed to read response body: %w", err))
	}

	headers := make(map[string]any, len(resp.Header))
	for key := range resp.Header {
		headers[key] = resp.Header.Get(key)
	}
	success := resp.StatusCode >= 200 && resp.StatusCode < 300
	result := map[string]any{
		"status_code": resp.StatusCode,
		"status":      resp.Status,
		"headers":     headers,
		"body":        string(data),
		"success":     success,
	}
	if strings.Contains(resp.Header.Get("Content-Type"), "application/json") {
		var parsed any
		if err := json.Unmarshal(data, &parsed); err == nil {
			result["json"] = parsed
		}
	}

	if !success && input.FailOnError {
		return nil, &durable.Error{
			Code:      durable.ErrorCodeStepFailed,
			Message:   fmt.Sprintf("%s %s returned %s", httpReq.Method, input.URL, resp.Status),
			Retryable: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
			Details:   map[string]any{"status_code": resp.StatusCode},
		}
	}
	return result, nil
}
