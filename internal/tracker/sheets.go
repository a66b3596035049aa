package tracker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/dm-agent/internal/config"
	"github.com/dm-agent/internal/models"
	"github.com/dm-agent/pkg/logger"
)

// SheetColumns defines the column headers for the Leads sheet
var SheetColumns = []string{
	"Captured At",
	"Trigger ID",
	"Campaign ID",
	"Account ID",
	"Actor ID",
	"Username",
	"Name",
	"Email",
	"Phone",
	"Other Fields",
	"Source Text",
}

// Lead is a completed trigger that captured at least one field
type Lead struct {
	TriggerID  uint
	CampaignID uint
	AccountID  uint
	ActorID    string
	Username   string
	Name       string
	Fields     map[string]string
	SourceText string
	CapturedAt time.Time
}

// LeadFromTrigger builds a lead, or returns false when nothing was captured
func LeadFromTrigger(t *models.Trigger, at time.Time) (Lead, bool) {
	if len(t.FlowState) == 0 {
		return Lead{}, false
	}
	fields := make(map[string]string, len(t.FlowState))
	for k, v := range t.FlowState {
		fields[k] = v
	}
	return Lead{
		TriggerID:  t.ID,
		CampaignID: t.CampaignID,
		AccountID:  t.AccountID,
		ActorID:    t.ActorID,
		Username:   t.ActorUsername,
		Name:       t.ActorName,
		Fields:     fields,
		SourceText: t.SourceText,
		CapturedAt: at.UTC(),
	}, true
}

// Row renders the lead in SheetColumns order
func (l Lead) Row() []interface{} {
	rest := make(map[string]string)
	keys := make([]string, 0, len(l.Fields))
	for k := range l.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if k != "email" && k != "phone" && k != "name" {
			rest[k] = l.Fields[k]
		}
	}
	other := ""
	if len(rest) > 0 {
		data, _ := json.Marshal(rest)
		other = string(data)
	}

	name := l.Name
	if captured := l.Fields["name"]; captured != "" {
		name = captured
	}

	return []interface{}{
		l.CapturedAt.Format(time.RFC3339),
		l.TriggerID,
		l.CampaignID,
		l.AccountID,
		l.ActorID,
		l.Username,
		name,
		l.Fields["email"],
		l.Fields["phone"],
		other,
		l.SourceText,
	}
}

// SheetsTracker appends captured leads to a Google Sheet
type SheetsTracker struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
	log           *logger.Logger

	once    sync.Once
	initErr error
}

// NewSheetsTracker creates a new Google Sheets tracker, or nil when disabled
func NewSheetsTracker(cfg config.TrackerConfig, log *logger.Logger) (*SheetsTracker, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	ctx := context.Background()

	var srv *sheets.Service
	var err error

	// Try service account JSON first (for env var injection)
	if cfg.ServiceAccountJSON != "" {
		srv, err = sheets.NewService(ctx, option.WithCredentialsJSON([]byte(cfg.ServiceAccountJSON)))
	} else if cfg.CredentialsFile != "" {
		srv, err = sheets.NewService(ctx, option.WithCredentialsFile(cfg.CredentialsFile))
	} else {
		return nil, fmt.Errorf("no Google credentials provided: set credentials_file or service_account_json")
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}

	return NewWithService(srv, cfg.SpreadsheetID, cfg.SheetName, log), nil
}

// NewWithService wraps an existing sheets service
func NewWithService(srv *sheets.Service, spreadsheetID, sheetName string, log *logger.Logger) *SheetsTracker {
	if sheetName == "" {
		sheetName = "Leads"
	}
	return &SheetsTracker{
		service:       srv,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		log:           log.WithComponent("sheets-tracker"),
	}
}

// InitializeSheet creates the sheet and headers if they don't exist
func (t *SheetsTracker) InitializeSheet(ctx context.Context) error {
	if err := t.ensureSheetExists(ctx); err != nil {
		return err
	}

	readRange := fmt.Sprintf("%s!A1:K1", t.sheetName)
	resp, err := t.service.Spreadsheets.Values.Get(t.spreadsheetID, readRange).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to read sheet: %w", err)
	}

	if len(resp.Values) == 0 {
		t.log.Info().Msg("Initializing sheet with headers")
		return t.writeHeaders(ctx)
	}

	t.log.Debug().Msg("Sheet already has headers")
	return nil
}

// ensureSheetExists creates the sheet if it doesn't exist
func (t *SheetsTracker) ensureSheetExists(ctx context.Context) error {
	spreadsheet, err := t.service.Spreadsheets.Get(t.spreadsheetID).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("failed to get spreadsheet: %w", err)
	}

	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties != nil && sheet.Properties.Title == t.sheetName {
			return nil
		}
	}

	t.log.Info().Str("sheet", t.sheetName).Msg("Creating new sheet")
	req := &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{
			{
				AddSheet: &sheets.AddSheetRequest{
					Properties: &sheets.SheetProperties{
						Title: t.sheetName,
					},
				},
			},
		},
	}

	if _, err := t.service.Spreadsheets.BatchUpdate(t.spreadsheetID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	return nil
}

// writeHeaders writes column headers to the first row
func (t *SheetsTracker) writeHeaders(ctx context.Context) error {
	var headerRow []interface{}
	for _, col := range SheetColumns {
		headerRow = append(headerRow, col)
	}

	writeRange := fmt.Sprintf("%s!A1", t.sheetName)
	valueRange := &sheets.ValueRange{
		Values: [][]interface{}{headerRow},
	}

	_, err := t.service.Spreadsheets.Values.Update(t.spreadsheetID, writeRange, valueRange).
		ValueInputOption("RAW").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}
	return nil
}

// RecordLead appends one lead row. The sheet is initialized on first use.
func (t *SheetsTracker) RecordLead(ctx context.Context, lead Lead) error {
	t.once.Do(func() { t.initErr = t.InitializeSheet(ctx) })
	if t.initErr != nil {
		return t.initErr
	}

	valueRange := &sheets.ValueRange{
		Values: [][]interface{}{lead.Row()},
	}
	_, err := t.service.Spreadsheets.Values.Append(t.spreadsheetID, fmt.Sprintf("%s!A:K", t.sheetName), valueRange).
		ValueInputOption("RAW").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).
		Do()
	if err != nil {
		return fmt.Errorf("failed to append lead: %w", err)
	}

	t.log.Info().
		Uint("trigger_id", lead.TriggerID).
		Uint("campaign_id", lead.CampaignID).
		Msg("Lead exported")
	return nil
}
