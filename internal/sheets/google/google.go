package google

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	ports "conto/internal/sheets"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"
)

const defaultSheetCacheDuration = 10 * time.Minute

var headerRow = []any{"account_id", "name", "balance"}

type Client struct {
	svc           *gsheet.Service
	spreadsheetID string

	// Tabs known to exist, so most exports skip the spreadsheet lookup.
	mu                 sync.Mutex
	knownSheets        map[string]struct{}
	cacheExpiresAt     time.Time
	cacheValidDuration time.Duration
}

// Ensure interface conformance
var _ ports.BalanceWriter = (*Client)(nil)

// New creates a client for spreadsheetID. opts are passed to the Sheets service.
func New(ctx context.Context, spreadsheetID string, opts ...goption.ClientOption) (*Client, error) {
	spreadsheetID = strings.TrimSpace(spreadsheetID)
	if spreadsheetID == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}
	svc, err := gsheet.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return &Client{
		svc:                svc,
		spreadsheetID:      spreadsheetID,
		cacheValidDuration: defaultSheetCacheDuration,
	}, nil
}

// NewFromEnv creates a Sheets client using Service Account credentials from the
// environment: GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE or
// GOOGLE_APPLICATION_CREDENTIALS.
func NewFromEnv(ctx context.Context, spreadsheetID string) (*Client, error) {
	if strings.TrimSpace(spreadsheetID) == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}
	credentialsJSON, err := credentialsFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	return New(ctx, spreadsheetID,
		goption.WithCredentialsJSON(credentialsJSON),
		goption.WithScopes(gsheet.SpreadsheetsScope))
}

func credentialsFromEnv(ctx context.Context) ([]byte, error) {
	serviceAccountJSON := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON"))
	serviceAccountFile := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_FILE"))
	if serviceAccountJSON == "" && serviceAccountFile == "" {
		serviceAccountFile = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}

	switch {
	case serviceAccountJSON != "":
		slog.InfoContext(ctx, "Using inline JSON credentials")
		return []byte(serviceAccountJSON), nil
	case serviceAccountFile != "":
		slog.InfoContext(ctx, "Reading credentials from file", "path", serviceAccountFile)
		data, err := os.ReadFile(serviceAccountFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		return data, nil
	default:
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS)")
	}
}

// WriteBalances replaces the content of the group's tab with a header and one row
// per account. The tab is created on first export.
func (c *Client) WriteBalances(ctx context.Context, groupID int64, rows []ports.BalanceRow) (string, error) {
	if c.svc == nil {
		return "", errors.New("sheets service not initialized")
	}
	sheet := ports.SheetName(groupID)
	if err := c.ensureSheet(ctx, sheet); err != nil {
		return "", err
	}

	clearRange := fmt.Sprintf("%s!A:C", quoteSheet(sheet))
	_, err := c.svc.Spreadsheets.Values.Clear(c.spreadsheetID, clearRange, &gsheet.ClearValuesRequest{}).Context(ctx).Do()
	if err != nil {
		// A tab deleted by hand invalidates what we know.
		c.InvalidateSheetCache()
		return "", fmt.Errorf("failed to clear %s: %w", clearRange, err)
	}

	values := make([][]any, 0, len(rows)+1)
	values = append(values, headerRow)
	for _, r := range rows {
		values = append(values, []any{r.AccountID, r.Name, r.Balance})
	}
	ref := fmt.Sprintf("%s!A1:C%d", quoteSheet(sheet), len(values))
	vr := &gsheet.ValueRange{Values: values}
	_, err = c.svc.Spreadsheets.Values.Update(c.spreadsheetID, ref, vr).
		ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("failed to update %s: %w", ref, err)
	}
	return ref, nil
}

func (c *Client) ensureSheet(ctx context.Context, title string) error {
	if c.sheetKnown(title) {
		return nil
	}

	ss, err := c.svc.Spreadsheets.Get(c.spreadsheetID).Fields("sheets.properties.title").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("read spreadsheet %s: %w", c.spreadsheetID, err)
	}
	titles := make([]string, 0, len(ss.Sheets))
	for _, s := range ss.Sheets {
		if s.Properties != nil {
			titles = append(titles, s.Properties.Title)
		}
	}
	c.rememberSheets(titles...)
	if c.sheetKnown(title) {
		return nil
	}

	req := &gsheet.BatchUpdateSpreadsheetRequest{Requests: []*gsheet.Request{{
		AddSheet: &gsheet.AddSheetRequest{Properties: &gsheet.SheetProperties{Title: title}},
	}}}
	if _, err := c.svc.Spreadsheets.BatchUpdate(c.spreadsheetID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("add sheet %q: %w", title, err)
	}
	slog.InfoContext(ctx, "Created balance sheet", "sheet", title)
	c.rememberSheets(title)
	return nil
}

func (c *Client) sheetKnown(title string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if time.Now().After(c.cacheExpiresAt) {
		return false
	}
	_, ok := c.knownSheets[title]
	return ok
}

func (c *Client) rememberSheets(titles ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.knownSheets == nil || time.Now().After(c.cacheExpiresAt) {
		c.knownSheets = make(map[string]struct{}, len(titles))
		c.cacheExpiresAt = time.Now().Add(c.cacheValidDuration)
	}
	for _, t := range titles {
		c.knownSheets[t] = struct{}{}
	}
}

// InvalidateSheetCache forces the next export to look the tabs up again.
func (c *Client) InvalidateSheetCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.knownSheets = nil
	c.cacheExpiresAt = time.Time{}
}

// quoteSheet quotes a tab name for A1 notation.
func quoteSheet(name string) string {
	return "'" + strings.ReplaceAll(name, "'", "''") + "'"
}
