package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/psb/internal/ir"
)

// Defaults for the Notion API.
const (
	DefaultBaseURL = "https://api.notion.com/v1"
	DefaultVersion = "2022-06-28"
)

// NotionConfig configures a NotionClient.
type NotionConfig struct {
	BaseURL string
	Token   string
	Version string
	// Databases maps each table to its database ID.
	Databases map[ir.TableName]string
	// HTTPClient defaults to a client with no overall timeout; per-call
	// deadlines come from the caller's context.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// NotionClient is a RecordStore backed by the Notion REST API.
type NotionClient struct {
	cfg    NotionConfig
	http   *http.Client
	logger *zap.Logger

	mu      sync.Mutex
	schemas map[ir.TableName]*DatabaseSchema
}

// NewNotionClient validates cfg and returns a client.
func NewNotionClient(cfg NotionConfig) (*NotionClient, error) {
	var problems []string
	if cfg.Token == "" {
		problems = append(problems, "token is empty")
	}
	for _, t := range ir.TableOrder {
		if cfg.Databases[t] == "" {
			problems = append(problems, fmt.Sprintf("database ID for %s is empty", t))
		}
	}
	if len(problems) > 0 {
		return nil, fmt.Errorf("notion: %s", strings.Join(problems, "; "))
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotionClient{
		cfg:     cfg,
		http:    httpClient,
		logger:  logger,
		schemas: make(map[ir.TableName]*DatabaseSchema),
	}, nil
}

type databaseResponse struct {
	ID         string `json:"id"`
	Properties map[string]struct {
		Type   PropertyType `json:"type"`
		Select *struct {
			Options []selectValue `json:"options"`
		} `json:"select,omitempty"`
		Status *struct {
			Options []selectValue `json:"options"`
		} `json:"status,omitempty"`
	} `json:"properties"`
}

// Describe fetches and caches the database schema of a table.
func (c *NotionClient) Describe(ctx context.Context, table ir.TableName) (*DatabaseSchema, error) {
	op := "describe " + string(table)
	var resp databaseResponse
	if err := c.do(ctx, op, http.MethodGet, "/databases/"+c.cfg.Databases[table], nil, &resp); err != nil {
		return nil, err
	}

	schema := &DatabaseSchema{ID: resp.ID, Properties: make(map[string]Property, len(resp.Properties))}
	for name, p := range resp.Properties {
		prop := Property{Name: name, Type: p.Type}
		var opts []selectValue
		switch {
		case p.Select != nil:
			opts = p.Select.Options
		case p.Status != nil:
			opts = p.Status.Options
		}
		for _, o := range opts {
			prop.Options = append(prop.Options, o.Name)
		}
		schema.Properties[name] = prop
	}

	c.mu.Lock()
	c.schemas[table] = schema
	c.mu.Unlock()
	return schema, nil
}

func (c *NotionClient) schema(ctx context.Context, table ir.TableName) (*DatabaseSchema, error) {
	c.mu.Lock()
	s, ok := c.schemas[table]
	c.mu.Unlock()
	if ok {
		return s, nil
	}
	return c.Describe(ctx, table)
}

type pageResponse struct {
	ID         string                   `json:"id"`
	Properties map[string]propertyValue `json:"properties"`
}

type queryResponse struct {
	Results    []pageResponse `json:"results"`
	HasMore    bool           `json:"has_more"`
	NextCursor string         `json:"next_cursor"`
}

// Query returns every page whose key property equals key.
func (c *NotionClient) Query(ctx context.Context, table ir.TableName, keyProperty, key string) ([]Record, error) {
	op := "query " + string(table)
	schema, err := c.schema(ctx, table)
	if err != nil {
		return nil, err
	}
	prop, ok := schema.Property(keyProperty)
	if !ok {
		return nil, NewFatal(op, fmt.Errorf("key property %q not in database", keyProperty))
	}
	filter, err := keyFilter(prop, key)
	if err != nil {
		return nil, NewFatal(op, err)
	}

	var out []Record
	cursor := ""
	for {
		body := map[string]any{"filter": filter}
		if cursor != "" {
			body["start_cursor"] = cursor
		}
		var resp queryResponse
		if err := c.do(ctx, op, http.MethodPost, "/databases/"+c.cfg.Databases[table]+"/query", body, &resp); err != nil {
			return nil, err
		}
		for _, page := range resp.Results {
			rec := Record{ID: page.ID, Values: make(map[string]string, len(page.Properties))}
			for name, v := range page.Properties {
				rec.Values[name] = decodeProperty(v)
			}
			out = append(out, rec)
		}
		if !resp.HasMore || resp.NextCursor == "" {
			return out, nil
		}
		cursor = resp.NextCursor
	}
}

// Create inserts a page into the table's database.
func (c *NotionClient) Create(ctx context.Context, table ir.TableName, values map[string]string) (string, error) {
	op := "create " + string(table)
	schema, err := c.schema(ctx, table)
	if err != nil {
		return "", err
	}
	props, err := encodeProperties(schema, values)
	if err != nil {
		return "", NewFatal(op, err)
	}
	body := map[string]any{
		"parent":     map[string]string{"database_id": c.cfg.Databases[table]},
		"properties": props,
	}
	var resp pageResponse
	if err := c.do(ctx, op, http.MethodPost, "/pages", body, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Update patches the given properties of a page.
func (c *NotionClient) Update(ctx context.Context, table ir.TableName, id string, values map[string]string) error {
	op := "update " + string(table)
	schema, err := c.schema(ctx, table)
	if err != nil {
		return err
	}
	props, err := encodeProperties(schema, values)
	if err != nil {
		return NewFatal(op, err)
	}
	err = c.do(ctx, op, http.MethodPatch, "/pages/"+id, map[string]any{"properties": props}, nil)
	var se *SyncError
	if errors.As(err, &se) && se.Status == http.StatusNotFound {
		se.Err = fmt.Errorf("%w: %v", ErrNotFound, se.Err)
	}
	return err
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// do performs one API call and classifies any failure.
func (c *NotionClient) do(ctx context.Context, op, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return NewFatal(op, fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return NewFatal(op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Notion-Version", c.cfg.Version)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return classifyTransportError(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return NewTransient(op, fmt.Errorf("read response: %w", err))
	}
	c.logger.Debug("notion call",
		zap.String("op", op),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("elapsed", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		_ = json.Unmarshal(data, &apiErr)
		msg := apiErr.Message
		if msg == "" {
			msg = truncate(string(data), 300)
		}
		return &SyncError{
			Class:      classifyStatus(resp.StatusCode),
			Op:         op,
			Status:     resp.StatusCode,
			Code:       apiErr.Code,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        errors.New(msg),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return NewFatal(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// classifyTransportError classifies a failure to get any response. Network
// errors and per-call deadlines are transient; cancellation is not.
func classifyTransportError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return NewFatal(op, err)
	}
	return NewTransient(op, err)
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil && secs >= 0 {
		return time.Duration(secs * float64(time.Second))
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
