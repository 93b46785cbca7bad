// Package extract turns free-form model replies into one canonical record line
// ("DD-MM [VENDA <id>] <counterparty> <amount>") or the failure marker.
package extract

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/santhosh-tekuri/jsonschema/v5"
	log "github.com/sirupsen/logrus"
)

// FailureMarker is returned when the reply carries no usable record.
const FailureMarker = "ERRO"

// Profile selects profile-specific rules.
type Profile string

const (
	ProfileDefault Profile = ""
	ProfileCash    Profile = "cash"
	ProfileCompany Profile = "company"
)

// ParseProfile maps a user supplied name onto a Profile.
func ParseProfile(s string) (Profile, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "default":
		return ProfileDefault, nil
	case "cash", "dinheiro":
		return ProfileCash, nil
	case "company", "empresa":
		return ProfileCompany, nil
	default:
		return ProfileDefault, fmt.Errorf("unknown profile %q", s)
	}
}

// Hints carries the context a reply is interpreted in.
type Hints struct {
	FileName string
	// DateHint overrides the date derived from FileName.
	DateHint string
	Profile  Profile
}

var (
	errorKeywordRe = regexp.MustCompile(`(?i)(?:^|[^\p{L}])(?:erro|error|não foi possível|nao foi possivel|unable to|ilegível|ilegivel)(?:[^\p{L}]|$)`)

	fenceRe      = regexp.MustCompile("(?m)^\\s*```[A-Za-z]*\\s*$")
	bulletRe     = regexp.MustCompile(`(?m)^\s*(?:[-*•]|\d+[.)])\s+`)
	labelRe      = regexp.MustCompile(`(?i)\b(?:data(?:\s+da\s+venda)?|date|nome|name|cliente|contraparte|empresa|fornecedor|raz[aã]o\s+social|valor(?:\s+total)?|value|total|amount)\s*:\s*`)
	vendaLabelRe = regexp.MustCompile(`(?i)\bvenda\s*[:#]\s*`)

	dateRe          = regexp.MustCompile(`^\s*(\d{1,2})[-/.](\d{1,2})`)
	dateTokenRe     = regexp.MustCompile(`^(\d{1,2})[-/.](\d{1,2})(?:[-/.](\d{2,4}))?$`)
	dateSpanRe      = regexp.MustCompile(`\b\d{1,2}[-/]\d{1,2}(?:[-/]\d{2,4})?\b`)
	fileDateRe      = regexp.MustCompile(`^\s*(\d{1,2})[-_./](\d{1,2})(?:\D|$)`)
	totalRe         = regexp.MustCompile(`=\s*(?:R\$\s*)?(\d[\d.,]*\d|\d)`)
	denominationRe  = regexp.MustCompile(`(?i)(\d+)\s*[x×]\s*(?:R\$\s*)?(\d+(?:[.,]\d{1,2})?)`)
	commaAmountRe   = regexp.MustCompile(`^(?:\d{1,3}(?:\.\d{3})+|\d+),\d{2}$`)
	numericTokenRe  = regexp.MustCompile(`^-?\d[\d.,]*$`)
	vendaPatternRe  = regexp.MustCompile(`(?i)(?:^|\s)(\d{1,2})[-/.](\d{1,2})(?:[-/.]\d{2,4})?\s+VENDA\s+(\S+)\s+(.+?)\s+((?:R\$\s*)?-?\d[\d.,]*)\s*$`)
	plainPatternRe  = regexp.MustCompile(`(?:^|\s)(\d{1,2})[-/.](\d{1,2})(?:[-/.]\d{2,4})?\s+(.+?)\s+((?:R\$\s*)?-?\d[\d.,]*)\s*$`)
	ltdaRe          = regexp.MustCompile(`\bLTDA\.`)
	sociedadeAnonRe = regexp.MustCompile(`\bS\s*/\s*A\b|\bS\.\s?A\.?`)
)

// Extractor interprets replies. It is safe for concurrent use.
type Extractor struct {
	schema *jsonschema.Schema
}

// New compiles the embedded record schema.
func New() (*Extractor, error) {
	s, err := compileRecordSchema()
	if err != nil {
		return nil, err
	}
	return &Extractor{schema: s}, nil
}

var defaultExtractor = func() *Extractor {
	e, err := New()
	if err != nil {
		panic(err)
	}
	return e
}()

// Extract runs the package default Extractor.
func Extract(raw string, hints Hints) string {
	return defaultExtractor.Extract(raw, hints)
}

// Extract returns the canonical line for raw, or FailureMarker.
func (e *Extractor) Extract(raw string, hints Hints) string {
	if errorKeywordRe.MatchString(raw) {
		return FailureMarker
	}

	lines := cleanLines(raw)
	collapsed := strings.Join(lines, " ")

	if hints.Profile == ProfileCash {
		if date, ok := dateHint(hints); ok {
			amount, err := cashAmount(collapsed)
			switch {
			case err == nil:
				return formatLine(date, "VENDA", "", "DINHEIRO", amount)
			case errors.Is(err, errCashOverflow):
				log.WithField("reply", collapsed).Debug("cash denomination sum out of range")
				return FailureMarker
			}
		}
	}

	if line, ok := e.extractJSON(stripFences(raw), hints.Profile); ok {
		return line
	}

	candidates := []string{collapsed}
	if len(lines) > 1 {
		candidates = append(candidates, lines...)
	}
	for _, c := range candidates {
		if line, ok := matchVenda(c, hints.Profile); ok {
			return line
		}
	}
	for _, c := range candidates {
		if line, ok := matchPlain(c, hints.Profile); ok {
			return line
		}
	}
	for _, c := range candidates {
		if line, ok := tokenizedParse(c, hints.Profile); ok {
			return line
		}
	}

	if collapsed == "" {
		return FailureMarker
	}
	log.WithField("file", hints.FileName).Debug("extract: no record pattern matched, returning cleaned text")
	return collapsed
}

// DateHintFromFileName returns the leading DD-MM of a file name.
func DateHintFromFileName(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	m := fileDateRe.FindStringSubmatch(filepath.Base(name))
	if m == nil {
		return "", false
	}
	return normalizeDate(m[1], m[2])
}

func dateHint(h Hints) (string, bool) {
	if h.DateHint != "" {
		if m := dateRe.FindStringSubmatch(h.DateHint); m != nil {
			return normalizeDate(m[1], m[2])
		}
	}
	return DateHintFromFileName(h.FileName)
}

func stripFences(s string) string {
	return fenceRe.ReplaceAllString(s, "")
}

// cleanLines strips markdown and field labels and collapses whitespace per
// line. Empty lines are dropped.
func cleanLines(raw string) []string {
	s := stripFences(raw)
	s = strings.NewReplacer("**", "", "__", "", "`", "", "\r", "").Replace(s)
	s = bulletRe.ReplaceAllString(s, "")
	s = vendaLabelRe.ReplaceAllString(s, "VENDA ")
	s = labelRe.ReplaceAllString(s, "")

	var out []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.Join(strings.Fields(line), " "); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// maxCashCents bounds a denomination sum. Larger totals are misreads.
const maxCashCents = 100_000_000_000

var (
	errNoCashAmount = errors.New("no cash amount")
	errCashOverflow = errors.New("cash amount out of range")
)

// cashAmount finds the total of a cash receipt: an explicit "= R$ N" sum, the
// last monetary token outside denomination phrases, or the denomination sum.
func cashAmount(text string) (string, error) {
	if all := totalRe.FindAllStringSubmatch(text, -1); len(all) > 0 {
		if amount, ok := NormalizeAmount(all[len(all)-1][1]); ok {
			return amount, nil
		}
	}

	masked := denominationRe.ReplaceAllStringFunc(text, blank)
	masked = dateSpanRe.ReplaceAllStringFunc(masked, blank)
	if amount, ok := lastMonetaryToken(masked); ok {
		return amount, nil
	}

	var sum int64
	found := false
	for _, m := range denominationRe.FindAllStringSubmatch(text, -1) {
		qty, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return "", errCashOverflow
		}
		unit, ok := ParseCents(m[2])
		if !ok || unit <= 0 {
			continue
		}
		if qty > (maxCashCents-sum)/unit {
			return "", errCashOverflow
		}
		sum += qty * unit
		found = true
	}
	if !found {
		return "", errNoCashAmount
	}
	return FormatCents(sum), nil
}

func blank(s string) string { return strings.Repeat(" ", len(s)) }

// lastMonetaryToken scans for "R$ N" or comma-decimal tokens.
func lastMonetaryToken(text string) (string, bool) {
	tokens := strings.Fields(text)
	result := ""
	for i, tok := range tokens {
		tok = trimPunct(tok)
		switch {
		case tok == "R$" && i+1 < len(tokens):
			if v, ok := NormalizeAmount(trimPunct(tokens[i+1])); ok {
				result = v
			}
		case strings.HasPrefix(tok, "R$") && len(tok) > 2:
			if v, ok := NormalizeAmount(tok); ok {
				result = v
			}
		case commaAmountRe.MatchString(tok):
			if v, ok := NormalizeAmount(tok); ok {
				result = v
			}
		}
	}
	return result, result != ""
}

func matchVenda(text string, profile Profile) (string, bool) {
	m := vendaPatternRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return buildLine(m[1], m[2], m[3], m[4], m[5], profile)
}

func matchPlain(text string, profile Profile) (string, bool) {
	m := plainPatternRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return buildLine(m[1], m[2], "", m[3], m[4], profile)
}

// tokenizedParse reads "<date> [VENDA <id>] <name...> <value>" token by token,
// tolerating trailing noise after the value.
func tokenizedParse(text string, profile Profile) (string, bool) {
	tokens := strings.Fields(text)
	for i, tok := range tokens {
		m := dateTokenRe.FindStringSubmatch(trimPunct(tok))
		if m == nil {
			continue
		}
		rest := tokens[i+1:]
		vi := -1
		for j := len(rest) - 1; j >= 0; j-- {
			if isAmountToken(rest, j) {
				vi = j
				break
			}
		}
		if vi < 1 {
			continue
		}
		head := rest[:vi]
		if strings.EqualFold(head[len(head)-1], "R$") {
			head = head[:len(head)-1]
		}
		id := ""
		if len(head) >= 3 && strings.EqualFold(head[0], "VENDA") {
			id = head[1]
			head = head[2:]
		}
		if line, ok := buildLine(m[1], m[2], id, strings.Join(head, " "), trimPunct(rest[vi]), profile); ok {
			return line, true
		}
	}
	return "", false
}

func isAmountToken(tokens []string, i int) bool {
	tok := trimPunct(tokens[i])
	explicit := strings.HasPrefix(tok, "R$") || (i > 0 && strings.EqualFold(tokens[i-1], "R$"))
	tok = strings.TrimPrefix(tok, "R$")
	if !numericTokenRe.MatchString(tok) || dateTokenRe.MatchString(tok) {
		return false
	}
	if !explicit && !strings.ContainsAny(tok, ".,") {
		return false
	}
	_, ok := ParseCents(tok)
	return ok
}

func buildLine(day, month, id, name, value string, profile Profile) (string, bool) {
	date, ok := normalizeDate(day, month)
	if !ok {
		return "", false
	}
	amount, ok := NormalizeAmount(value)
	if !ok {
		return "", false
	}
	name = normalizeName(name, profile)
	if !hasLetter(name) {
		return "", false
	}
	kind := ""
	if id != "" {
		kind = "VENDA"
	}
	return formatLine(date, kind, id, name, amount), true
}

func formatLine(date, kind, id, name, amount string) string {
	parts := []string{date}
	if kind != "" {
		parts = append(parts, kind)
	}
	if id != "" {
		parts = append(parts, id)
	}
	parts = append(parts, name, amount)
	return strings.Join(parts, " ")
}

func normalizeDate(day, month string) (string, bool) {
	d, err := strconv.Atoi(day)
	if err != nil || d < 1 || d > 31 {
		return "", false
	}
	m, err := strconv.Atoi(month)
	if err != nil || m < 1 || m > 12 {
		return "", false
	}
	return fmt.Sprintf("%02d-%02d", d, m), true
}

func normalizeName(name string, profile Profile) string {
	name = strings.Join(strings.Fields(strings.Trim(name, " ,;:-")), " ")
	if profile != ProfileCompany {
		return name
	}
	name = strings.ToUpper(name)
	name = ltdaRe.ReplaceAllString(name, "LTDA")
	name = sociedadeAnonRe.ReplaceAllString(name, "SA")
	return name
}

func trimPunct(s string) string {
	return strings.Trim(s, ",;:()[]\"'")
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}
