package export

import (
	"bytes"
	"testing"

	"github.com/router-for-me/ReceiptRelay/internal/extract"
	"github.com/router-for-me/ReceiptRelay/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestWriteRecords(t *testing.T) {
	records := []extract.Record{
		{Date: "02-07", Counterparty: "ACME LTDA", Amount: "288,00", Cents: 28800, FileName: "a.jpg"},
		{Date: "11-04", Kind: "VENDA", Counterparty: "DINHEIRO", Amount: "110,00", Cents: 11000, FileName: "11-04 caixa.jpg"},
		{Date: "05-03", Kind: "VENDA", ID: "88", Counterparty: "Joao", Amount: "10,00", Cents: 1000},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteRecords(&buf, records))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	assert.Equal(t, []string{SheetName}, f.GetSheetList())
	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"Data", "Tipo", "ID", "Contraparte", "Valor", "Arquivo"}, rows[0])
	assert.Equal(t, "ACME LTDA", rows[1][3])
	assert.Equal(t, "88", rows[3][2])

	raw, err := f.GetCellValue(SheetName, "E3", excelize.Options{RawCellValue: true})
	require.NoError(t, err)
	assert.Equal(t, "110", raw)
}

func TestWriteRecords_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRecords(&buf, nil))
	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	rows, err := f.GetRows(SheetName)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestRecordsFromAnalyses(t *testing.T) {
	records, skipped := RecordsFromAnalyses([]store.Analysis{
		{FileName: "a.jpg", Value: "02-07 ACME LTDA 288,00"},
		{FileName: "b.jpg", Value: "ERRO"},
		{FileName: "c.jpg", Value: "texto livre"},
		{FileName: "d.jpg", Value: "11-04 VENDA DINHEIRO 110,00"},
	})
	assert.Equal(t, 2, skipped)
	require.Len(t, records, 2)
	assert.Equal(t, "a.jpg", records[0].FileName)
	assert.Equal(t, int64(28800), records[0].Cents)
	assert.Equal(t, "DINHEIRO", records[1].Counterparty)
}
