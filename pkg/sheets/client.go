// Package sheets provides a REST client for the Google Sheets API, used to
// export each user's predictions to a spreadsheet of their own.
package sheets

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

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-predict/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-predict/pkg/config"
	"github.com/ekaya-inc/ekaya-predict/pkg/logging"
)

// DefaultTimeout is used when the configuration does not set one.
const DefaultTimeout = 10 * time.Second

// StatusError is a non-2xx answer from the Sheets or token endpoint.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sheets %s returned status %d: %s", e.Op, e.StatusCode, e.Body)
}

// IsRetryable reports whether the request may succeed if sent again.
func (e *StatusError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// TokenSource supplies OAuth access tokens.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// Client creates spreadsheets and appends rows to them.
type Client struct {
	httpClient *http.Client
	logger     *zap.Logger
	baseURL    string
	tokens     TokenSource
}

// NewClient creates a client authenticated with the service account in
// cfg.CredentialsFile.
func NewClient(cfg config.SheetsConfig, logger *zap.Logger) (*Client, error) {
	timeout := DefaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	httpClient := &http.Client{Timeout: timeout}

	sa, err := LoadServiceAccount(cfg.CredentialsFile)
	if err != nil {
		return nil, err
	}
	tokens, err := newTokenSource(sa, httpClient)
	if err != nil {
		return nil, err
	}

	logger = logger.Named("sheets")
	logger.Info("Sheets export authenticated as service account", zap.String("client_email", sa.ClientEmail))
	return &Client{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    cfg.BaseURL,
		tokens:     tokens,
	}, nil
}

type spreadsheet struct {
	SpreadsheetID string `json:"spreadsheetId,omitempty"`
	Properties    struct {
		Title string `json:"title"`
	} `json:"properties"`
}

type valueRange struct {
	Values [][]string `json:"values"`
}

type appendResponse struct {
	Updates struct {
		UpdatedRows int `json:"updatedRows"`
	} `json:"updates"`
}

// CreateSpreadsheet creates a spreadsheet titled title, writes header to its
// first row and returns the spreadsheet ID.
func (c *Client) CreateSpreadsheet(ctx context.Context, title string, header []string) (string, error) {
	endpoint, err := c.endpoint(nil, "spreadsheets")
	if err != nil {
		return "", err
	}

	var req spreadsheet
	req.Properties.Title = title
	var created spreadsheet
	if err := c.do(ctx, "create spreadsheet", http.MethodPost, endpoint, &req, &created); err != nil {
		return "", err
	}
	if created.SpreadsheetID == "" {
		return "", errors.New("create spreadsheet: response has no spreadsheetId")
	}
	c.logger.Info("Created spreadsheet",
		zap.String("spreadsheet_id", created.SpreadsheetID),
		zap.String("title", title))

	if len(header) > 0 {
		params := url.Values{}
		params.Set("valueInputOption", "RAW")
		endpoint, err := c.endpoint(params, "spreadsheets", created.SpreadsheetID, "values", headerRange(len(header)))
		if err != nil {
			return "", err
		}
		body := &valueRange{Values: [][]string{header}}
		if err := c.do(ctx, "write header", http.MethodPut, endpoint, body, nil); err != nil {
			return "", err
		}
	}
	return created.SpreadsheetID, nil
}

// AppendRows adds rows after the last non-empty row of the spreadsheet and
// returns the number of rows written.
func (c *Client) AppendRows(ctx context.Context, spreadsheetID string, rows [][]string) (int, error) {
	if err := checkID(spreadsheetID); err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	params := url.Values{}
	params.Set("valueInputOption", "RAW")
	params.Set("insertDataOption", "INSERT_ROWS")
	endpoint, err := c.endpoint(params, "spreadsheets", spreadsheetID, "values", columnsRange(len(rows[0]))+":append")
	if err != nil {
		return 0, err
	}

	var resp appendResponse
	if err := c.do(ctx, "append rows", http.MethodPost, endpoint, &valueRange{Values: rows}, &resp); err != nil {
		return 0, err
	}
	c.logger.Debug("Appended rows",
		zap.String("spreadsheet_id", spreadsheetID),
		zap.Int("rows", resp.Updates.UpdatedRows))
	return resp.Updates.UpdatedRows, nil
}

func (c *Client) do(ctx context.Context, op, method, endpoint string, in, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("sheets %s: %w", op, err)
	}

	var reqBody io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.logger.Debug("Calling Sheets",
		zap.String("op", op),
		zap.String("url", logging.SanitizeURL(endpoint)))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call sheets: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Error("Sheets returned error",
			zap.String("op", op),
			zap.Int("status", resp.StatusCode),
			zap.String("body", logging.TruncateString(string(body), 500)))
		return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: string(body)}
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

func (c *Client) endpoint(params url.Values, segments ...string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	u.Path = path.Join(append([]string{u.Path}, segments...)...)
	if len(params) > 0 {
		u.RawQuery = params.Encode()
	}
	return u.String(), nil
}

// columnName converts a 1-based column number to its A1 letters.
func columnName(n int) string {
	var name []byte
	for n > 0 {
		n--
		name = append([]byte{byte('A' + n%26)}, name...)
		n /= 26
	}
	return string(name)
}

// columnsRange is the whole-column range covering width columns, e.g. A:D.
func columnsRange(width int) string {
	if width < 1 {
		width = 1
	}
	return "A:" + columnName(width)
}

// headerRange is the first-row range covering width columns, e.g. A1:D1.
func headerRange(width int) string {
	return "A1:" + columnName(width) + "1"
}

func checkID(id string) error {
	if id == "" || strings.ContainsAny(id, "/?#") || id == "." || id == ".." {
		return fmt.Errorf("%w: invalid spreadsheet id %q", apperrors.ErrInvalidInput, id)
	}
	return nil
}
