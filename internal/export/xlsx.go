// Package export renders canonical records as spreadsheets.
package export

import (
	"errors"
	"fmt"
	"io"

	"github.com/router-for-me/ReceiptRelay/internal/extract"
	"github.com/router-for-me/ReceiptRelay/internal/store"
	log "github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
)

// SheetName is the only sheet of an export workbook.
const SheetName = "Registros"

var headers = []string{"Data", "Tipo", "ID", "Contraparte", "Valor", "Arquivo"}

// WriteRecords writes records as an XLSX workbook to w.
func WriteRecords(w io.Writer, records []extract.Record) error {
	f := excelize.NewFile()
	defer func() {
		if errClose := f.Close(); errClose != nil {
			log.Errorf("export: close workbook error: %v", errClose)
		}
	}()

	if err := f.SetSheetName(f.GetSheetName(0), SheetName); err != nil {
		return fmt.Errorf("xlsx sheet: %w", err)
	}
	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(SheetName, cell, h)
	}
	if boldID, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err == nil {
		_ = f.SetCellStyle(SheetName, "A1", "F1", boldID)
	}
	moneyID, err := f.NewStyle(&excelize.Style{NumFmt: 4})
	if err != nil {
		return fmt.Errorf("xlsx style: %w", err)
	}

	for i, r := range records {
		row := i + 2
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(SheetName, cell, v)
		}
		write(1, r.Date)
		write(2, r.Kind)
		write(3, r.ID)
		write(4, r.Counterparty)
		write(5, float64(r.Cents)/100)
		write(6, r.FileName)
	}
	if n := len(records); n > 0 {
		last, _ := excelize.CoordinatesToCellName(5, n+1)
		_ = f.SetCellStyle(SheetName, "E2", last, moneyID)
	}

	_ = f.SetColWidth(SheetName, "A", "A", 8)
	_ = f.SetColWidth(SheetName, "B", "B", 10)
	_ = f.SetColWidth(SheetName, "C", "C", 12)
	_ = f.SetColWidth(SheetName, "D", "D", 40)
	_ = f.SetColWidth(SheetName, "E", "E", 14)
	_ = f.SetColWidth(SheetName, "F", "F", 48)

	if _, err := f.WriteTo(w); err != nil {
		return fmt.Errorf("xlsx write: %w", err)
	}
	return nil
}

// RecordsFromAnalyses parses stored values into records. Failure markers and
// lines that are not canonical are skipped and counted.
func RecordsFromAnalyses(analyses []store.Analysis) (records []extract.Record, skipped int) {
	records = make([]extract.Record, 0, len(analyses))
	for _, a := range analyses {
		rec, err := extract.ParseRecord(a.Value)
		if err != nil {
			if !errors.Is(err, extract.ErrFailureLine) {
				log.WithField("file", a.FileName).Debugf("export: skipping value: %v", err)
			}
			skipped++
			continue
		}
		rec.FileName = a.FileName
		records = append(records, rec)
	}
	return records, skipped
}
