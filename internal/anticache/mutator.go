// Package anticache perturbs prompts and sampling parameters per attempt so
// that the upstream service cannot answer distinct files from its own cache.
package anticache

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/router-for-me/ReceiptRelay/internal/util"
)

const maxFileNameRunes = 40

var dividerPhrases = []string{
	"Contexto adicional da requisição:",
	"Informações de controle (ignore na resposta):",
	"Metadados desta análise:",
	"Referência interna do processamento:",
	"Dados de rastreio da solicitação:",
}

// GenerationParams are the sampling settings sent with a request.
type GenerationParams struct {
	Temperature     float64
	TopK            int
	TopP            float64
	MaxOutputTokens int
}

// DefaultParams are used for test prompts and unmutated calls.
func DefaultParams() GenerationParams {
	return GenerationParams{Temperature: 0.10, TopK: 40, TopP: 0.90, MaxOutputTokens: 2048}
}

// Mutation is the outcome of Mutate.
type Mutation struct {
	Prompt string
	Params GenerationParams
	IsTest bool
}

// Mutator appends unique tokens to prompts. A Mutator carries one session id
// for its lifetime.
type Mutator struct {
	isTest    func(string) bool
	sessionID string

	mu   sync.Mutex
	rand *rand.Rand
	now  func() time.Time
}

// Option configures a Mutator.
type Option func(*Mutator)

// WithSeed makes the random source deterministic.
func WithSeed(seed uint64) Option {
	return func(m *Mutator) { m.rand = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)) }
}

// WithClock injects the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Mutator) {
		if now != nil {
			m.now = now
		}
	}
}

// New returns a Mutator. isTest decides which prompts pass through untouched;
// nil means none do.
func New(isTest func(string) bool, opts ...Option) *Mutator {
	if isTest == nil {
		isTest = func(string) bool { return false }
	}
	seed := uint64(time.Now().UnixNano())
	m := &Mutator{
		isTest:    isTest,
		sessionID: uuid.NewString(),
		rand:      rand.New(rand.NewPCG(seed, seed>>1|1)),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SessionID returns the id embedded in every mutated prompt.
func (m *Mutator) SessionID() string { return m.sessionID }

// Mutate returns a per-attempt variant of prompt. fileName may be empty.
func (m *Mutator) Mutate(prompt, fileName string, fileIndex, attempt int) Mutation {
	if m.isTest(prompt) {
		return Mutation{Prompt: prompt, Params: DefaultParams(), IsTest: true}
	}
	if attempt < 0 {
		attempt = 0
	}

	m.mu.Lock()
	divider := dividerPhrases[m.rand.IntN(len(dividerPhrases))]
	params := m.paramsLocked(attempt)
	m.mu.Unlock()

	ts := strconv.FormatInt(m.now().UnixNano(), 10)
	id := uuid.NewString()
	hash := util.SHA256Hex([]byte(prompt), []byte(ts), []byte(id))[:12]

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\n---\n")
	b.WriteString(divider)
	fmt.Fprintf(&b, "\n[ts=%s id=%s session=%s h=%s attempt=%d]", ts, id, m.sessionID, hash, attempt)
	if fileName != "" {
		fmt.Fprintf(&b, "\n[arquivo=%q indice=%d fh=%s]",
			truncateRunes(fileName, maxFileNameRunes), fileIndex, util.SHA256Hex([]byte(fileName))[:8])
	}
	return Mutation{Prompt: b.String(), Params: params}
}

// paramsLocked widens the sampling range with each attempt.
func (m *Mutator) paramsLocked(attempt int) GenerationParams {
	a := float64(attempt)
	temperature := math.Min(1.0, 0.10+0.02*a+m.rand.Float64()*0.05)
	topP := math.Min(1.0, 0.90+0.01*a+m.rand.Float64()*0.02)
	maxTokens := 2048 + 256*attempt
	if maxTokens > 8192 {
		maxTokens = 8192
	}
	return GenerationParams{
		Temperature:     round(temperature, 3),
		TopK:            40 + 5*attempt + m.rand.IntN(5),
		TopP:            round(topP, 3),
		MaxOutputTokens: maxTokens,
	}
}

func round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
