package extract

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		hints Hints
		want  string
	}{
		{
			name: "labelled fields",
			raw:  "DATA: 02-07\nNOME: ACME LTDA\nVALOR: 288,00",
			want: "02-07 ACME LTDA 288,00",
		},
		{
			name:  "cash denominations",
			raw:   "1x R$50, 3x R$20",
			hints: Hints{FileName: "11-04 VENDA DINHEIRO 500,00.jpg", Profile: ProfileCash},
			want:  "11-04 VENDA DINHEIRO 110,00",
		},
		{
			name:  "cash denomination sum out of range",
			raw:   "99999999999999999x R$ 999999",
			hints: Hints{FileName: "11-04 caixa.jpg", Profile: ProfileCash},
			want:  FailureMarker,
		},
		{
			name:  "cash quantity beyond int64",
			raw:   "999999999999999999999x R$ 50",
			hints: Hints{FileName: "11-04 caixa.jpg", Profile: ProfileCash},
			want:  FailureMarker,
		},
		{
			name:  "cash explicit total",
			raw:   "50 + 20 + 20 = R$ 90,00",
			hints: Hints{FileName: "03-05 caixa.jpg", Profile: ProfileCash},
			want:  "03-05 VENDA DINHEIRO 90,00",
		},
		{
			name:  "cash last monetary token skips dates and unit prices",
			raw:   "Recebido em 11/04/2025: R$ 75,50 (2x R$20)",
			hints: Hints{FileName: "11-04 recibo.jpg", Profile: ProfileCash},
			want:  "11-04 VENDA DINHEIRO 75,50",
		},
		{
			name:  "cash explicit date hint wins over file name",
			raw:   "Total = R$ 10",
			hints: Hints{FileName: "11-04 recibo.jpg", DateHint: "7/3", Profile: ProfileCash},
			want:  "07-03 VENDA DINHEIRO 10,00",
		},
		{
			name:  "cash without date hint is not forced",
			raw:   "1x R$50",
			hints: Hints{FileName: "recibo.jpg", Profile: ProfileCash},
			want:  "1x R$50",
		},
		{
			name: "venda pattern",
			raw:  "05/03/2025 VENDA 1234 Maria Silva R$ 1.234,50",
			want: "05-03 VENDA 1234 Maria Silva 1234,50",
		},
		{
			name: "venda label",
			raw:  "Data: 5/3\nVenda: 88\nCliente: Joao\nTotal: 10",
			want: "05-03 VENDA 88 Joao 10,00",
		},
		{
			name: "markdown wrapped",
			raw:  "```\n- **Data:** 2/7\n- **Nome:** Acme\n- **Valor:** R$ 1.5\n```",
			want: "02-07 Acme 1,50",
		},
		{
			name:  "company suffixes",
			raw:   "02-07 acme comercio ltda. 288.00",
			hints: Hints{Profile: ProfileCompany},
			want:  "02-07 ACME COMERCIO LTDA 288,00",
		},
		{
			name:  "company s/a",
			raw:   "10-01 banco xyz s/a 1.000,00",
			hints: Hints{Profile: ProfileCompany},
			want:  "10-01 BANCO XYZ SA 1000,00",
		},
		{
			name:  "json reply",
			raw:   "```json\n{\"data\":\"2/7/2025\",\"nome\":\"acme ltda.\",\"valor\":288,\"tipo\":\"VENDA\",\"id\":77}\n```",
			hints: Hints{Profile: ProfileCompany},
			want:  "02-07 VENDA 77 ACME LTDA 288,00",
		},
		{
			name: "json reply without id",
			raw:  `{"data": "02-07", "nome": "Acme", "valor": "1.234,56"}`,
			want: "02-07 Acme 1234,56",
		},
		{
			name: "tokenized parse tolerates trailing noise",
			raw:  "02-07 ACME LTDA 288,00 (pago em pix)",
			want: "02-07 ACME LTDA 288,00",
		},
		{
			name: "error keyword",
			raw:  "Não foi possível ler o comprovante.",
			want: FailureMarker,
		},
		{
			name: "english error",
			raw:  "Error: image is blurry",
			want: FailureMarker,
		},
		{
			name: "keyword inside a word is ignored",
			raw:  "02-07 FERRO VELHO LTDA 10,00",
			want: "02-07 FERRO VELHO LTDA 10,00",
		},
		{
			name: "unmatched text is returned cleaned",
			raw:  "  Sem   informações\núteis ",
			want: "Sem informações úteis",
		},
		{
			name: "empty reply",
			raw:  "```\n```",
			want: FailureMarker,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Extract(tt.raw, tt.hints))
		})
	}
}

func TestExtract_Idempotent(t *testing.T) {
	inputs := []struct {
		raw   string
		hints Hints
	}{
		{raw: "DATA: 02-07\nNOME: ACME LTDA\nVALOR: 288,00"},
		{raw: "1x R$50, 3x R$20", hints: Hints{FileName: "11-04 VENDA DINHEIRO 500,00.jpg", Profile: ProfileCash}},
		{raw: "05/03/2025 VENDA 1234 Maria Silva R$ 1.234,50"},
		{raw: "02-07 acme comercio ltda. 288.00", hints: Hints{Profile: ProfileCompany}},
		{raw: "unable to read"},
	}
	for _, in := range inputs {
		once := Extract(in.raw, in.hints)
		assert.Equal(t, once, Extract(once, in.hints), "re-extracting %q", once)
		assert.Equal(t, once, Extract(in.raw, in.hints), "same input, same output")
	}
}

func TestDateHintFromFileName(t *testing.T) {
	tests := []struct {
		name string
		want string
		ok   bool
	}{
		{"11-04 VENDA DINHEIRO 500,00.jpg", "11-04", true},
		{"/tmp/batch/1_4 recibo.png", "01-04", true},
		{"recibo.jpg", "", false},
		{"45-99.jpg", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DateHintFromFileName(tt.name)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseProfile(t *testing.T) {
	p, err := ParseProfile("Cash")
	require.NoError(t, err)
	assert.Equal(t, ProfileCash, p)

	p, err = ParseProfile("empresa")
	require.NoError(t, err)
	assert.Equal(t, ProfileCompany, p)

	_, err = ParseProfile("bogus")
	assert.Error(t, err)
}
