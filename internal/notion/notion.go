// Package notion loads assignment records into a Notion database. Every
// request passes through the sliding-window limiter, and error responses are
// mapped onto the shared error taxonomy so the caller's retry policy can act
// on the kind instead of the raw status code.
package notion

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/httputil"
	"github.com/rudderlabs/rudder-go-kit/logger"

	"github.com/KyleOrtzow1/CanvasNotionSync-sub000/internal/apierror"
	"github.com/KyleOrtzow1/CanvasNotionSync-sub000/internal/model"
	"github.com/KyleOrtzow1/CanvasNotionSync-sub000/internal/throttling"
	"github.com/KyleOrtzow1/CanvasNotionSync-sub000/jsonrs"
)

const notionVersion = "2022-06-28"

// Page is the slice of a Notion page the reconciler cares about.
type Page struct {
	ID     string
	Status model.Status
}

// Sanitize cleans user-visible text before it is written into page
// properties. The default strips control characters and truncates to Notion's
// rich text limit.
type Sanitize func(s string) string

// Client talks to the Notion API.
type Client struct {
	log        logger.Logger
	baseURL    string
	token      func() string
	databaseID string
	httpClient *http.Client
	limiter    *throttling.SlidingWindow
	sanitize   Sanitize
	pageSize   int
}

type Option func(*Client)

// WithSanitizer overrides the text sanitizer.
func WithSanitizer(s Sanitize) Option {
	return func(c *Client) { c.sanitize = s }
}

func New(conf *config.Config, log logger.Logger, limiter *throttling.SlidingWindow, token func() string, opts ...Option) *Client {
	c := &Client{
		log:        log.Child("notion"),
		baseURL:    strings.TrimSuffix(conf.GetString("Notion.baseURL", "https://api.notion.com"), "/"),
		token:      token,
		databaseID: conf.GetString("Notion.databaseID", ""),
		httpClient: &http.Client{
			Timeout: conf.GetDuration("Notion.httpTimeout", 30, time.Second),
		},
		limiter:  limiter,
		sanitize: defaultSanitize(conf.GetInt("Notion.maxTextLength", 2000)),
		pageSize: conf.GetInt("Notion.queryPageSize", 100),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// QueryByExternalID finds the page whose External ID property equals
// externalID, following pagination cursors until exhausted. It returns nil
// when no page matches.
func (c *Client) QueryByExternalID(ctx context.Context, externalID string) (*Page, error) {
	cursor := ""
	for {
		payload := map[string]any{
			"filter": map[string]any{
				"property":  "External ID",
				"rich_text": map[string]any{"equals": externalID},
			},
			"page_size": c.pageSize,
		}
		if cursor != "" {
			payload["start_cursor"] = cursor
		}
		body, err := c.do(ctx, http.MethodPost, fmt.Sprintf("/v1/databases/%s/query", c.databaseID), payload)
		if err != nil {
			return nil, fmt.Errorf("querying page for %s: %w", externalID, err)
		}
		parsed := gjson.ParseBytes(body)
		if result := parsed.Get("results.0"); result.Exists() {
			return &Page{
				ID:     result.Get("id").String(),
				Status: model.Status(result.Get("properties.Status.select.name").String()),
			}, nil
		}
		if !parsed.Get("has_more").Bool() {
			return nil, nil
		}
		cursor = parsed.Get("next_cursor").String()
	}
}

// CreatePage creates a database page from the given raw properties object and
// returns the new page ID.
func (c *Client) CreatePage(ctx context.Context, properties []byte) (string, error) {
	payload := map[string]any{
		"parent":     map[string]any{"database_id": c.databaseID},
		"properties": jsonrs.RawMessage(properties),
	}
	body, err := c.do(ctx, http.MethodPost, "/v1/pages", payload)
	if err != nil {
		return "", fmt.Errorf("creating page: %w", err)
	}
	return gjson.GetBytes(body, "id").String(), nil
}

// UpdatePage overwrites the given properties of an existing page.
func (c *Client) UpdatePage(ctx context.Context, pageID string, properties []byte) error {
	payload := map[string]any{
		"properties": jsonrs.RawMessage(properties),
	}
	if _, err := c.do(ctx, http.MethodPatch, "/v1/pages/"+pageID, payload); err != nil {
		return fmt.Errorf("updating page %s: %w", pageID, err)
	}
	return nil
}

// ArchivePage archives (soft deletes) a page.
func (c *Client) ArchivePage(ctx context.Context, pageID string) error {
	payload := map[string]any{"archived": true}
	if _, err := c.do(ctx, http.MethodPatch, "/v1/pages/"+pageID, payload); err != nil {
		return fmt.Errorf("archiving page %s: %w", pageID, err)
	}
	return nil
}

// PageProperties builds the properties object for an assignment. Callers may
// mutate the returned JSON before handing it to CreatePage or UpdatePage.
func (c *Client) PageProperties(a model.Assignment) ([]byte, error) {
	props := map[string]any{
		"Name": map[string]any{
			"title": []any{textBlock(c.sanitize(a.Title))},
		},
		"External ID": map[string]any{
			"rich_text": []any{textBlock(a.ExternalID)},
		},
		"Course": map[string]any{
			"select": map[string]any{"name": c.sanitize(a.CourseName)},
		},
		"Status": map[string]any{
			"select": map[string]any{"name": string(a.Status)},
		},
	}
	if a.URL != "" {
		props["URL"] = map[string]any{"url": a.URL}
	}
	if a.DueAt != nil {
		props["Due Date"] = map[string]any{
			"date": map[string]any{"start": a.DueAt.UTC().Format(time.RFC3339)},
		}
	}
	if a.PointsPossible != nil {
		props["Points"] = map[string]any{"number": *a.PointsPossible}
	}
	if a.ScorePercent != nil {
		props["Score %"] = map[string]any{"number": *a.ScorePercent}
	}
	if a.Description != "" {
		props["Description"] = map[string]any{
			"rich_text": []any{textBlock(c.sanitize(a.Description))},
		}
	}
	return jsonrs.Marshal(props)
}

func textBlock(s string) map[string]any {
	return map[string]any{"text": map[string]any{"content": s}}
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	reqBody, err := jsonrs.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshalling payload: %w", err)
	}
	var respBody []byte
	err = c.limiter.Do(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(reqBody))
		if err != nil {
			return fmt.Errorf("building request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.token())
		req.Header.Set("Notion-Version", notionVersion)
		req.Header.Set("Content-Type", "application/json")
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("notion request failed: %w", err)
		}
		defer func() { httputil.CloseResponse(resp) }()
		respBody, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("reading notion response: %w", err)
		}
		return apierror.Classify(resp.StatusCode, respBody, resp.Header)
	})
	if err != nil {
		return nil, err
	}
	return respBody, nil
}

// defaultSanitize strips control characters and truncates to maxLen runes.
func defaultSanitize(maxLen int) Sanitize {
	return func(s string) string {
		cleaned := strings.Map(func(r rune) rune {
			if r < 0x20 && r != '\n' && r != '\t' {
				return -1
			}
			return r
		}, s)
		runes := []rune(cleaned)
		if maxLen > 0 && len(runes) > maxLen {
			return string(runes[:maxLen])
		}
		return cleaned
	}
}
