package extract

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const recordSchema = `{
  "type": "object",
  "required": ["data", "nome", "valor"],
  "properties": {
    "data":  {"type": "string", "pattern": "^\\s*\\d{1,2}[-/.]\\d{1,2}"},
    "nome":  {"type": "string", "minLength": 1},
    "valor": {"type": ["string", "number"]},
    "tipo":  {"type": "string"},
    "id":    {"type": ["string", "number"]}
  }
}`

func compileRecordSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("record.json", strings.NewReader(recordSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := c.Compile("record.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return s, nil
}

type jsonRecord struct {
	Data  string          `json:"data"`
	Nome  string          `json:"nome"`
	Valor json.RawMessage `json:"valor"`
	Tipo  string          `json:"tipo"`
	ID    json.RawMessage `json:"id"`
}

// extractJSON accepts replies where the model answered with a JSON object
// instead of the requested line.
func (e *Extractor) extractJSON(text string, profile Profile) (string, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	doc := []byte(text[start : end+1])

	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return "", false
	}
	if err := e.schema.Validate(v); err != nil {
		return "", false
	}
	var rec jsonRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return "", false
	}

	m := dateRe.FindStringSubmatch(rec.Data)
	if m == nil {
		return "", false
	}
	date, ok := normalizeDate(m[1], m[2])
	if !ok {
		return "", false
	}
	amount, ok := NormalizeAmount(rawScalar(rec.Valor))
	if !ok {
		return "", false
	}
	name := normalizeName(rec.Nome, profile)
	if name == "" {
		return "", false
	}
	if strings.EqualFold(strings.TrimSpace(rec.Tipo), "VENDA") {
		if id := rawScalar(rec.ID); id != "" {
			return fmt.Sprintf("%s VENDA %s %s %s", date, id, name, amount), true
		}
	}
	return fmt.Sprintf("%s %s %s", date, name, amount), true
}

// rawScalar turns a JSON string or number into its text.
func rawScalar(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(string(raw))
}
