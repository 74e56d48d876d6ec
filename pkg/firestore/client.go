// Package firestore provides a REST client for the remote user-activity
// store and prediction-file registry kept in Cloud Firestore.
package firestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-predict/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-predict/pkg/config"
	"github.com/ekaya-inc/ekaya-predict/pkg/jsonutil"
	"github.com/ekaya-inc/ekaya-predict/pkg/logging"
	"github.com/ekaya-inc/ekaya-predict/pkg/models"
)

// DefaultTimeout is used when the configuration does not set one.
const DefaultTimeout = 10 * time.Second

const (
	usersCollection = "users"
	filesCollection = "predictionFiles"
)

// StatusError is a non-2xx answer from Firestore.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("firestore %s returned status %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsRetryable reports whether the request may succeed if sent again.
func (e *StatusError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Client talks to the Firestore documents API of one project.
type Client struct {
	httpClient *http.Client
	logger     *zap.Logger
	baseURL    string
	projectID  string
	apiKey     string
}

// NewClient creates a Firestore client from cfg.
func NewClient(cfg config.FirestoreConfig, logger *zap.Logger) *Client {
	timeout := DefaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.Named("firestore"),
		baseURL:    cfg.BaseURL,
		projectID:  cfg.ProjectID,
		apiKey:     cfg.APIKey,
	}
}

// value is the typed-union encoding Firestore uses for every field.
type value struct {
	StringValue    *string         `json:"stringValue,omitempty"`
	IntegerValue   json.RawMessage `json:"integerValue,omitempty"`
	DoubleValue    *float64        `json:"doubleValue,omitempty"`
	BooleanValue   *bool           `json:"booleanValue,omitempty"`
	TimestampValue *string         `json:"timestampValue,omitempty"`
}

type document struct {
	Name   string           `json:"name,omitempty"`
	Fields map[string]value `json:"fields"`
}

func stringValue(s string) value {
	return value{StringValue: &s}
}

func integerValue(n int) value {
	// int64 travels as a decimal string.
	return value{IntegerValue: json.RawMessage(fmt.Sprintf("%q", fmt.Sprint(n)))}
}

func timestampValue(t time.Time) value {
	s := t.UTC().Format(time.RFC3339Nano)
	return value{TimestampValue: &s}
}

func (d *document) str(field string) string {
	v, ok := d.Fields[field]
	if !ok || v.StringValue == nil {
		return ""
	}
	return *v.StringValue
}

func (d *document) integer(field string) (int, error) {
	v, ok := d.Fields[field]
	if !ok {
		return 0, nil
	}
	if v.DoubleValue != nil {
		return int(*v.DoubleValue), nil
	}
	n, err := jsonutil.FlexibleInt(v.IntegerValue)
	if err != nil {
		return 0, fmt.Errorf("field %s: %w", field, err)
	}
	return int(n), nil
}

// timestamp accepts either a timestampValue or an ISO-8601 stringValue.
func (d *document) timestamp(field string) (*time.Time, error) {
	v, ok := d.Fields[field]
	if !ok {
		return nil, nil
	}
	var raw string
	switch {
	case v.TimestampValue != nil:
		raw = *v.TimestampValue
	case v.StringValue != nil:
		raw = *v.StringValue
	default:
		return nil, nil
	}
	if raw == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("field %s: unrecognised time %q", field, raw)
}

// Get returns the user's activity record, or apperrors.ErrNotFound.
func (c *Client) Get(ctx context.Context, userID string) (*models.UserActivity, error) {
	if err := checkID(userID); err != nil {
		return nil, err
	}
	endpoint, err := c.documentsURL(nil, usersCollection, userID)
	if err != nil {
		return nil, err
	}

	var doc document
	status, err := c.do(ctx, "get user", http.MethodGet, endpoint, nil, &doc)
	if status == http.StatusNotFound {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return activityFromDocument(userID, &doc)
}

// Set writes the user's record, creating the document if it does not exist.
func (c *Client) Set(ctx context.Context, a *models.UserActivity) error {
	if err := checkID(a.UserID); err != nil {
		return err
	}
	doc := activityDocument(a)

	params := url.Values{}
	for field := range doc.Fields {
		params.Add("updateMask.fieldPaths", field)
	}
	endpoint, err := c.documentsURL(params, usersCollection, a.UserID)
	if err != nil {
		return err
	}

	status, err := c.do(ctx, "update user", http.MethodPatch, endpoint, doc, nil)
	if status != http.StatusNotFound {
		return err
	}

	c.logger.Info("User document not found, creating", zap.String("user_id", a.UserID))
	return c.create(ctx, usersCollection, a.UserID, doc)
}

// Append stores a prediction-file record as a new document.
func (c *Client) Append(ctx context.Context, f *models.PredictionFile) error {
	if f.ID == uuid.Nil {
		f.ID = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	doc := &document{Fields: map[string]value{
		"user_id":       stringValue(f.UserID),
		"timestamp":     timestampValue(f.CreatedAt),
		"filename":      stringValue(f.Filename),
		"rows":          integerValue(f.RowCount),
		"columns":       integerValue(f.ColumnCount),
		"upload_number": integerValue(f.UploadNumber),
	}}
	return c.create(ctx, filesCollection, f.ID.String(), doc)
}

type fieldRef struct {
	FieldPath string `json:"fieldPath"`
}

type collectionSelector struct {
	CollectionID string `json:"collectionId"`
}

type fieldFilter struct {
	Field fieldRef `json:"field"`
	Op    string   `json:"op"`
	Value value    `json:"value"`
}

type filter struct {
	FieldFilter fieldFilter `json:"fieldFilter"`
}

type order struct {
	Field     fieldRef `json:"field"`
	Direction string   `json:"direction"`
}

type structuredQuery struct {
	From    []collectionSelector `json:"from"`
	Where   filter               `json:"where"`
	OrderBy []order              `json:"orderBy"`
}

// ListByUser returns the user's prediction files, newest first.
func (c *Client) ListByUser(ctx context.Context, userID string) ([]*models.PredictionFile, error) {
	endpoint, err := c.runQueryURL()
	if err != nil {
		return nil, err
	}

	q := structuredQuery{
		From: []collectionSelector{{CollectionID: filesCollection}},
		Where: filter{FieldFilter: fieldFilter{
			Field: fieldRef{FieldPath: "user_id"},
			Op:    "EQUAL",
			Value: stringValue(userID),
		}},
		OrderBy: []order{{Field: fieldRef{FieldPath: "timestamp"}, Direction: "DESCENDING"}},
	}

	body := map[string]any{"structuredQuery": q}

	// Each element carries a document, or only a readTime when nothing matched.
	var results []struct {
		Document *document `json:"document"`
	}
	if _, err := c.do(ctx, "query prediction files", http.MethodPost, endpoint, body, &results); err != nil {
		return nil, err
	}

	files := make([]*models.PredictionFile, 0, len(results))
	for _, r := range results {
		if r.Document == nil {
			continue
		}
		f, err := fileFromDocument(r.Document)
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}

	c.logger.Debug("Listed prediction files",
		zap.String("user_id", userID),
		zap.Int("count", len(files)))
	return files, nil
}

func (c *Client) create(ctx context.Context, collection, documentID string, doc *document) error {
	params := url.Values{}
	params.Set("documentId", documentID)
	endpoint, err := c.documentsURL(params, collection)
	if err != nil {
		return err
	}
	_, err = c.do(ctx, "create "+collection, http.MethodPost, endpoint, doc, nil)
	return err
}

// do sends one request and decodes a 2xx body into out. The status code is
// returned even when err is non-nil so callers can branch on 404.
func (c *Client) do(ctx context.Context, op, method, endpoint string, in, out any) (int, error) {
	var reqBody io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("Calling Firestore",
		zap.String("op", op),
		zap.String("url", logging.SanitizeURL(endpoint)))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// url.Error embeds the request URL, which carries the API key.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return 0, fmt.Errorf("failed to call firestore: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode != http.StatusNotFound {
			c.logger.Error("Firestore returned error",
				zap.String("op", op),
				zap.Int("status", resp.StatusCode),
				zap.String("body", logging.TruncateString(string(body), 500)))
		}
		return resp.StatusCode, &StatusError{Op: op, StatusCode: resp.StatusCode, Body: string(body)}
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return resp.StatusCode, fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *Client) documentsURL(params url.Values, segments ...string) (string, error) {
	all := append([]string{"projects", c.projectID, "databases", "(default)", "documents"}, segments...)
	return c.endpoint(params, all...)
}

func (c *Client) runQueryURL() (string, error) {
	return c.endpoint(nil, "projects", c.projectID, "databases", "(default)", "documents:runQuery")
}

// endpoint joins segments onto the base URL and appends params plus the API key.
func (c *Client) endpoint(params url.Values, segments ...string) (string, error) {
	raw, err := buildURL(c.baseURL, segments...)
	if err != nil {
		return "", fmt.Errorf("failed to build URL: %w", err)
	}
	if params == nil {
		params = url.Values{}
	}
	if c.apiKey != "" {
		params.Set("key", c.apiKey)
	}
	if len(params) == 0 {
		return raw, nil
	}
	return raw + "?" + params.Encode(), nil
}

// buildURL constructs a URL by parsing the base and joining path segments.
func buildURL(baseURL string, pathSegments ...string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}

	segments := append([]string{u.Path}, pathSegments...)
	u.Path = path.Join(segments...)

	return u.String(), nil
}

func checkID(id string) error {
	if id == "" || strings.ContainsAny(id, "/?#") || id == "." || id == ".." {
		return fmt.Errorf("%w: invalid document id %q", apperrors.ErrInvalidInput, id)
	}
	return nil
}

func activityDocument(a *models.UserActivity) *document {
	doc := &document{Fields: map[string]value{
		"searches": integerValue(a.SearchCount),
		"uploads":  integerValue(a.UploadCount),
	}}
	if a.LastActivity != nil {
		doc.Fields["last_activity"] = stringValue(a.LastActivity.UTC().Format(time.RFC3339Nano))
	}
	return doc
}

func activityFromDocument(userID string, doc *document) (*models.UserActivity, error) {
	a := models.NewUserActivity(userID)
	var err error
	if a.SearchCount, err = doc.integer("searches"); err != nil {
		return nil, err
	}
	if a.UploadCount, err = doc.integer("uploads"); err != nil {
		return nil, err
	}
	if a.LastActivity, err = doc.timestamp("last_activity"); err != nil {
		return nil, err
	}
	return a, nil
}

func fileFromDocument(doc *document) (*models.PredictionFile, error) {
	f := &models.PredictionFile{
		UserID:   doc.str("user_id"),
		Filename: doc.str("filename"),
	}
	if id, err := uuid.Parse(path.Base(doc.Name)); err == nil {
		f.ID = id
	}

	var err error
	if f.RowCount, err = doc.integer("rows"); err != nil {
		return nil, err
	}
	if f.ColumnCount, err = doc.integer("columns"); err != nil {
		return nil, err
	}
	if f.UploadNumber, err = doc.integer("upload_number"); err != nil {
		return nil, err
	}
	ts, err := doc.timestamp("timestamp")
	if err != nil {
		return nil, err
	}
	if ts != nil {
		f.CreatedAt = *ts
	}
	return f, nil
}
