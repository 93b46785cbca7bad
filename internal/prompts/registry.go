// Package prompts holds the instructions sent with each analysis kind.
package prompts

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Analysis kinds.
const (
	KindReceipt = "receipt"
	KindInvoice = "invoice"
	KindPDF     = "pdf"
)

// DefaultProfile is the profile every lookup falls back to.
const DefaultProfile = ""

const lineFormat = "Responda em uma única linha no formato: DD-MM NOME VALOR. " +
	"Use vírgula como separador decimal e duas casas (ex: 288,00). " +
	"Não inclua rótulos, explicações ou markdown. " +
	"Se não conseguir ler o documento, responda apenas ERRO."

var builtin = map[string]map[string]string{
	DefaultProfile: {
		KindReceipt: "Analise o comprovante de pagamento da imagem e extraia a data da transação, " +
			"o nome do pagador ou recebedor e o valor total. " + lineFormat,
		KindInvoice: "Analise a nota fiscal da imagem e extraia a data de emissão, " +
			"o nome do emitente e o valor total da nota. " + lineFormat,
		KindPDF: "Analise o documento PDF e extraia a data da transação, a contraparte e o valor total. " +
			"Se houver número de venda, responda no formato: DD-MM VENDA NUMERO NOME VALOR. " + lineFormat,
	},
	"cash": {
		KindReceipt: "A imagem mostra um recebimento em dinheiro. Liste as cédulas e moedas no formato " +
			"QTDx R$VALOR separados por vírgula e, ao final, o total no formato = R$ TOTAL. " +
			"Se não conseguir ler, responda apenas ERRO.",
	},
	"company": {
		KindReceipt: "Analise o comprovante e extraia a data, a razão social da empresa (com o sufixo " +
			"LTDA, SA, ME ou EIRELI quando houver) e o valor total. " + lineFormat,
		KindInvoice: "Analise a nota fiscal e extraia a data de emissão, a razão social do tomador " +
			"(com o sufixo LTDA, SA, ME ou EIRELI quando houver) e o valor total. " + lineFormat,
	},
}

// Registry resolves prompts by profile and kind. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	prompts map[string]map[string]string
}

// New returns a registry holding the built-in prompts.
func New() *Registry {
	r := &Registry{prompts: make(map[string]map[string]string, len(builtin))}
	for profile, kinds := range builtin {
		r.prompts[profile] = make(map[string]string, len(kinds))
		for kind, text := range kinds {
			r.prompts[profile][kind] = text
		}
	}
	return r
}

// Get returns the prompt for profile and kind, falling back to the default
// profile when the profile has none.
func (r *Registry) Get(profile, kind string) (string, bool) {
	profile = normalizeProfile(profile)
	kind = strings.ToLower(strings.TrimSpace(kind))

	r.mu.RLock()
	defer r.mu.RUnlock()
	if text, ok := r.prompts[profile][kind]; ok && text != "" {
		return text, true
	}
	if text, ok := r.prompts[DefaultProfile][kind]; ok && text != "" {
		return text, true
	}
	return "", false
}

// Kinds lists the kinds known for the default profile.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.prompts[DefaultProfile]))
	for kind := range r.prompts[DefaultProfile] {
		out = append(out, kind)
	}
	sort.Strings(out)
	return out
}

// LoadFile merges overrides from a YAML or TOML file. The document maps
// profile names ("default" for the default profile) to kind/prompt tables.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read prompts file: %w", err)
	}

	overrides := make(map[string]map[string]string)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &overrides)
	case ".toml":
		err = toml.Unmarshal(data, &overrides)
	default:
		return fmt.Errorf("unsupported prompts file extension %q", ext)
	}
	if err != nil {
		return fmt.Errorf("parse prompts file %s: %w", path, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for profile, kinds := range overrides {
		profile = normalizeProfile(profile)
		if r.prompts[profile] == nil {
			r.prompts[profile] = make(map[string]string, len(kinds))
		}
		for kind, text := range kinds {
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
			r.prompts[profile][strings.ToLower(strings.TrimSpace(kind))] = text
			count++
		}
	}
	log.WithFields(log.Fields{"file": path, "prompts": count}).Info("loaded prompt overrides")
	return nil
}

func normalizeProfile(profile string) string {
	profile = strings.ToLower(strings.TrimSpace(profile))
	if profile == "default" {
		return DefaultProfile
	}
	return profile
}
