package scrobblesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/xerrors"
)

// SessionTokenHeader is the custom header used for device authentication.
const SessionTokenHeader = "X-Scrobble-Token"

// New creates a client for the scrobble API at the URL provided.
func New(serverURL *url.URL) *Client {
	return &Client{
		URL:        serverURL,
		HTTPClient: &http.Client{},
	}
}

// Client is an HTTP caller for methods to the scrobble API.
type Client struct {
	mu           sync.RWMutex
	sessionToken string

	HTTPClient *http.Client
	URL        *url.URL
}

// SessionToken returns the credential presented on authenticated requests.
func (c *Client) SessionToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessionToken
}

// SetSessionToken replaces the credential presented on authenticated requests.
// The upload path calls this after a refresh.
func (c *Client) SetSessionToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionToken = token
}

// RequestOption is a function that can be used to modify an http.Request.
type RequestOption func(*http.Request)

// WithHeader sets a header on the request.
func WithHeader(key, value string) RequestOption {
	return func(r *http.Request) {
		r.Header.Set(key, value)
	}
}

// WithSessionToken overrides the client's stored token for a single request.
func WithSessionToken(token string) RequestOption {
	return func(req *http.Request) {
		req.Header.Set(SessionTokenHeader, token)
	}
}

// Request performs an HTTP request with the body provided. The caller is
// responsible for closing the response body.
func (c *Client) Request(ctx context.Context, method, path string, body interface{}, opts ...RequestOption) (*http.Response, error) {
	serverURL, err := c.URL.Parse(path)
	if err != nil {
		return nil, xerrors.Errorf("parse url: %w", err)
	}

	var r io.Reader
	if body != nil {
		switch data := body.(type) {
		case io.Reader:
			r = data
		case []byte:
			r = bytes.NewReader(data)
		default:
			buf := &bytes.Buffer{}
			enc := json.NewEncoder(buf)
			enc.SetEscapeHTML(false)
			err = enc.Encode(body)
			if err != nil {
				return nil, xerrors.Errorf("encode body: %w", err)
			}
			r = buf
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, serverURL.String(), r)
	if err != nil {
		return nil, xerrors.Errorf("create request: %w", err)
	}
	if token := c.SessionToken(); token != "" {
		req.Header.Set(SessionTokenHeader, token)
	}
	if r != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, opt := range opts {
		opt(req)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, xerrors.Errorf("do request: %w", err)
	}
	return resp, nil
}

// Response represents a generic HTTP response.
type Response struct {
	// Message is an actionable message that depicts actions the request took.
	// It should be human readable.
	Message string `json:"message"`
	// Detail has technical information a developer might find useful.
	Detail string `json:"detail,omitempty"`
	// Validations are form field-specific friendly error messages.
	Validations []ValidationError `json:"validations,omitempty"`
}

// ValidationError represents a scoped error to a user input.
type ValidationError struct {
	Field  string `json:"field" validate:"required"`
	Detail string `json:"detail" validate:"required"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("field: %s detail: %s", e.Field, e.Detail)
}

// Error represents an unaccepted or invalid request to the API.
type Error struct {
	Response

	statusCode int
	method     string
	url        string
}

// StatusCode returns the HTTP status of the response that produced the error.
func (e *Error) StatusCode() int {
	return e.statusCode
}

func (e *Error) Error() string {
	var builder strings.Builder
	if e.method != "" && e.url != "" {
		_, _ = fmt.Fprintf(&builder, "%v %v: ", e.method, e.url)
	}
	_, _ = fmt.Fprintf(&builder, "unexpected status code %d: %s", e.statusCode, e.Message)
	if e.Detail != "" {
		_, _ = fmt.Fprintf(&builder, "\n\tError: %s", e.Detail)
	}
	for _, err := range e.Validations {
		_, _ = fmt.Fprintf(&builder, "\n\t%s: %s", err.Field, err.Detail)
	}
	return builder.String()
}

// IsUnauthorized reports whether err is an API error with status 401.
func IsUnauthorized(err error) bool {
	var apiErr *Error
	if !xerrors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode() == http.StatusUnauthorized
}

// AsError attempts to convert err to an *Error.
func AsError(err error) (*Error, bool) {
	var apiErr *Error
	return apiErr, xerrors.As(err, &apiErr)
}

// ReadBodyAsError reads the response as a Response, wrapping it in an Error
// carrying the status code. Use on any non-2xx response.
func ReadBodyAsError(res *http.Response) error {
	if res == nil {
		return xerrors.New("no body returned; is the server running?")
	}
	defer res.Body.Close()

	var requestMethod, requestURL string
	if res.Request != nil {
		requestMethod = res.Request.Method
		if res.Request.URL != nil {
			requestURL = res.Request.URL.String()
		}
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return xerrors.Errorf("read body: %w", err)
	}

	if mimeType := parseMimeType(res.Header.Get("Content-Type")); mimeType != "application/json" {
		if len(body) > 1024 {
			body = append(body[:1024], []byte("...")...)
		}
		if len(body) == 0 {
			body = []byte("no response body")
		}
		return &Error{
			statusCode: res.StatusCode,
			method:     requestMethod,
			url:        requestURL,
			Response: Response{
				Message: "unexpected non-JSON response",
				Detail:  string(body),
			},
		}
	}

	var m Response
	err = json.Unmarshal(body, &m)
	if err != nil {
		if xerrors.Is(err, io.EOF) {
			return xerrors.New("no body returned; is the server running?")
		}
		return xerrors.Errorf("decode body: %w", err)
	}

	return &Error{
		Response:   m,
		statusCode: res.StatusCode,
		method:     requestMethod,
		url:        requestURL,
	}
}

func parseMimeType(contentType string) string {
	mimeType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.TrimSpace(strings.Split(contentType, ";")[0])
	}
	return mimeType
}
