package sheets

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/maxkov-dev/xuiBot/clients/timeutil"
)

// Цвета подсветки строк.
var (
	colorGreen  = &sheets.Color{Red: 0.85, Green: 0.94, Blue: 0.85}
	colorRed    = &sheets.Color{Red: 0.96, Green: 0.80, Blue: 0.80}
	colorYellow = &sheets.Color{Red: 1.0, Green: 0.98, Blue: 0.8}
	colorBlue   = &sheets.Color{Red: 0.8, Green: 0.9, Blue: 1.0}
)

// Service пишет зеркало списка клиентов в Google-таблицу.
type Service struct {
	srv           *sheets.Service
	spreadsheetID string
	sheetName     string
	sheetID       int64
	log           *zap.SugaredLogger
}

// SyncReport — итоги одного прогона синхронизации.
type SyncReport struct {
	Total         int
	Changed       int
	Removed       int
	ExpiringToday []RosterEntry
}

func New(ctx context.Context, credentialsPath, spreadsheetID, sheetName string, lg *zap.SugaredLogger) (*Service, error) {
	srv, err := sheets.NewService(ctx,
		option.WithCredentialsFile(credentialsPath),
		option.WithScopes(sheets.SpreadsheetsScope),
	)
	if err != nil {
		return nil, fmt.Errorf("sheets: init service: %w", err)
	}

	meta, err := srv.Spreadsheets.Get(spreadsheetID).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("sheets: get spreadsheet: %w", err)
	}

	var sheetID int64 = -1
	for _, sh := range meta.Sheets {
		if sh.Properties != nil && sh.Properties.Title == sheetName {
			sheetID = sh.Properties.SheetId
			break
		}
	}
	if sheetID < 0 {
		return nil, fmt.Errorf("sheets: tab %q not found", sheetName)
	}

	return &Service{
		srv:           srv,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		sheetID:       sheetID,
		log:           lg,
	}, nil
}

// Sync сводит живой список клиентов с таблицей и переписывает её одной
// пачкой, затем вторым проходом красит строки по статусу.
func (s *Service) Sync(ctx context.Context, roster []RosterEntry, now time.Time) (SyncReport, error) {
	existing, err := s.readRows(ctx)
	if err != nil {
		return SyncReport{}, err
	}

	res := Reconcile(existing, roster, now)
	s.log.Infow("sheet sync computed", "rows", len(res.Rows), "changed", res.Changed, "removed", res.Removed)

	if err := s.writeRows(ctx, res.Rows); err != nil {
		return SyncReport{}, err
	}
	if err := s.applyColors(ctx, res.Rows, now); err != nil {
		// подсветка вторична: данные уже записаны
		s.log.Warnw("sheet coloring failed", "error", err)
	}

	return SyncReport{
		Total:         len(res.Rows),
		Changed:       res.Changed,
		Removed:       res.Removed,
		ExpiringToday: res.ExpiringToday,
	}, nil
}

func (s *Service) readRows(ctx context.Context) ([][]string, error) {
	resp, err := s.srv.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName+"!A2:G").Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("sheets: read rows: %w", err)
	}

	rows := make([][]string, 0, len(resp.Values))
	for _, raw := range resp.Values {
		row := make([]string, len(raw))
		for i, v := range raw {
			row[i] = fmt.Sprint(v)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

func (s *Service) writeRows(ctx context.Context, rows [][]string) error {
	clearReq := &sheets.BatchClearValuesRequest{Ranges: []string{s.sheetName + "!A2:G1000"}}
	if _, err := s.srv.Spreadsheets.Values.BatchClear(s.spreadsheetID, clearReq).Context(ctx).Do(); err != nil {
		return fmt.Errorf("sheets: clear: %w", err)
	}

	values := make([][]interface{}, 0, len(rows)+1)
	header := make([]interface{}, len(Header))
	for i, h := range Header {
		header[i] = h
	}
	values = append(values, header)
	for _, row := range rows {
		cells := make([]interface{}, len(row))
		for i, c := range row {
			cells[i] = c
		}
		values = append(values, cells)
	}

	vr := &sheets.ValueRange{Values: values}
	_, err := s.srv.Spreadsheets.Values.
		Update(s.spreadsheetID, s.sheetName+"!A1", vr).
		ValueInputOption("RAW").
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("sheets: write: %w", err)
	}
	return nil
}

func (s *Service) applyColors(ctx context.Context, rows [][]string, now time.Time) error {
	today := now.In(timeutil.Location()).Format("02.01.2006")

	var requests []*sheets.Request
	for i, row := range rows {
		color := rowColor(row, today)
		if color == nil {
			continue
		}
		// строка i занимает в таблице индекс i+1 (после заголовка)
		requests = append(requests, &sheets.Request{
			RepeatCell: &sheets.RepeatCellRequest{
				Range: &sheets.GridRange{
					SheetId:          s.sheetID,
					StartRowIndex:    int64(i + 1),
					EndRowIndex:      int64(i + 2),
					StartColumnIndex: 0,
					EndColumnIndex:   int64(len(Header)),
				},
				Cell: &sheets.CellData{
					UserEnteredFormat: &sheets.CellFormat{BackgroundColor: color},
				},
				Fields: "userEnteredFormat.backgroundColor",
			},
		})
	}

	if len(requests) == 0 {
		return nil
	}
	_, err := s.srv.Spreadsheets.
		BatchUpdate(s.spreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{Requests: requests}).
		Context(ctx).Do()
	return err
}

// rowColor — цвет строки: истекающие сегодня выделяются отдельно от
// просто активных.
func rowColor(row []string, today string) *sheets.Color {
	status := cell(row, colStatus)
	if cell(row, colExpiry) == today && status == StatusActive {
		return colorYellow
	}
	switch status {
	case StatusActive:
		return colorGreen
	case StatusExpired:
		return colorRed
	case StatusUnlimited:
		return colorBlue
	}
	return nil
}
