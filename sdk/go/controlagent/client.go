package controlagent

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"ControlAgent/pkg/envelope"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Database creation relays whole documents, so it is
// longer than a typical API timeout.
const DefaultHTTPTimeout = 2 * time.Minute

// Client seals requests for the control gateway and opens its answers.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	codec      *envelope.Codec
}

// Credentials identify the gateway user.
type Credentials struct {
	User string
	Pass string
}

// File is a document to upload. Content holds raw bytes; the client hex encodes it.
type File struct {
	Title   string
	Content []byte
}

// Message is one entry of a chat history.
type Message struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// APIError represents a non-2xx gateway response.
type APIError struct {
	StatusCode    int
	Message       string   `json:"error"`
	Status        string   `json:"Status"`
	MissingFields []string `json:"missing_fields"`
	InvalidFields []string `json:"invalid_fields"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" {
		msg = e.Status
	}
	switch {
	case len(e.MissingFields) > 0:
		return fmt.Sprintf("controlagent api error (%d): %s [missing: %s]", e.StatusCode, msg, strings.Join(e.MissingFields, ", "))
	case len(e.InvalidFields) > 0:
		return fmt.Sprintf("controlagent api error (%d): %s [invalid: %s]", e.StatusCode, msg, strings.Join(e.InvalidFields, ", "))
	default:
		return fmt.Sprintf("controlagent api error (%d): %s", e.StatusCode, msg)
	}
}

// NewClient instantiates a client for the gateway at rawURL using the shared
// default-scope secret. When httpClient is nil, a default client is used.
func NewClient(rawURL, secret string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	codec, err := envelope.NewClientCodec(secret)
	if err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient, codec: codec}, nil
}

// CreateDatabase uploads files into the named slot (db1, db2 or db3).
func (c *Client) CreateDatabase(ctx context.Context, creds Credentials, database string, files []File) error {
	type upload struct {
		Title   string `json:"title"`
		Content string `json:"content"`
	}
	uploads := make([]upload, 0, len(files))
	for _, f := range files {
		uploads = append(uploads, upload{Title: f.Title, Content: hex.EncodeToString(f.Content)})
	}
	payload := map[string]any{
		"user":     creds.User,
		"pass":     creds.Pass,
		"database": database,
		"files":    uploads,
	}
	var out struct {
		Status string `json:"Status"`
	}
	if err := c.post(ctx, "/createNewDatabase", payload, &out); err != nil {
		return err
	}
	if out.Status != "ok" {
		return &APIError{StatusCode: http.StatusOK, Status: out.Status}
	}
	return nil
}

// ProcessMessage asks a question against the database bound to the slot and
// returns the decrypted answer as raw JSON.
func (c *Client) ProcessMessage(ctx context.Context, creds Credentials, database string, chat []Message) (json.RawMessage, error) {
	payload := map[string]any{
		"user":     creds.User,
		"pass":     creds.Pass,
		"database": database,
		"chat":     chat,
	}
	var out struct {
		CipherResponse string `json:"cipher_response"`
	}
	if err := c.post(ctx, "/processMessage", payload, &out); err != nil {
		return nil, err
	}
	answer, err := c.codec.OpenRaw(envelope.Envelope{CipherData: out.CipherResponse}, envelope.ScopeDefault)
	if err != nil {
		return nil, fmt.Errorf("open response: %w", err)
	}
	return answer, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	env, err := c.codec.Seal(payload, envelope.ScopeDefault)
	if err != nil {
		return fmt.Errorf("seal request: %w", err)
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL.ResolveReference(rel).String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &apiErr)
		}
		if apiErr.Message == "" && apiErr.Status == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
