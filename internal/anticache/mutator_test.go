package anticache

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const prompt = "Extraia data, nome e valor do comprovante em uma única linha."

func TestMutate_TestPromptPassesThrough(t *testing.T) {
	m := New(func(p string) bool { return p == "ping" })
	got := m.Mutate("ping", "file.jpg", 3, 2)

	assert.True(t, got.IsTest)
	assert.Equal(t, "ping", got.Prompt)
	assert.Equal(t, DefaultParams(), got.Params)
}

func TestMutate_AppendsUniqueBlock(t *testing.T) {
	m := New(nil, WithSeed(7))

	a := m.Mutate(prompt, "11-04 VENDA DINHEIRO 500,00.jpg", 4, 0)
	b := m.Mutate(prompt, "11-04 VENDA DINHEIRO 500,00.jpg", 4, 0)

	require.False(t, a.IsTest)
	assert.True(t, strings.HasPrefix(a.Prompt, prompt+"\n\n---\n"))
	assert.NotEqual(t, a.Prompt, b.Prompt, "every call carries fresh tokens")
	assert.Contains(t, a.Prompt, "session="+m.SessionID())
	assert.Contains(t, a.Prompt, "indice=4")
	assert.Contains(t, a.Prompt, `arquivo="11-04 VENDA DINHEIRO 500,00.jpg"`)

	dividerFound := false
	for _, d := range dividerPhrases {
		if strings.Contains(a.Prompt, d) {
			dividerFound = true
		}
	}
	assert.True(t, dividerFound)
}

func TestMutate_NoFileBlockWithoutFileName(t *testing.T) {
	m := New(nil, WithSeed(1))
	got := m.Mutate(prompt, "", 0, 0)
	assert.NotContains(t, got.Prompt, "arquivo=")
}

func TestMutate_TruncatesLongFileNames(t *testing.T) {
	m := New(nil, WithSeed(1))
	long := strings.Repeat("ç", 60) + ".pdf"
	got := m.Mutate(prompt, long, 0, 0)
	assert.Contains(t, got.Prompt, `arquivo="`+strings.Repeat("ç", 40)+`"`)
}

func TestMutate_ParamsWidenWithAttempt(t *testing.T) {
	m := New(nil, WithSeed(42), WithClock(func() time.Time { return time.Unix(1700000000, 0) }))

	for attempt := 0; attempt < 5; attempt++ {
		for i := 0; i < 20; i++ {
			p := m.Mutate(prompt, "a.jpg", 0, attempt).Params
			base := 0.10 + 0.02*float64(attempt)
			assert.GreaterOrEqual(t, p.Temperature, base-1e-9)
			assert.LessOrEqual(t, p.Temperature, base+0.05+1e-9)
			assert.GreaterOrEqual(t, p.TopK, 40+5*attempt)
			assert.Less(t, p.TopK, 45+5*attempt)
			assert.LessOrEqual(t, p.TopP, 1.0)
			assert.Equal(t, 2048+256*attempt, p.MaxOutputTokens)
		}
	}
}

func TestMutate_OutputCapIsBounded(t *testing.T) {
	m := New(nil, WithSeed(3))
	assert.Equal(t, 8192, m.Mutate(prompt, "", 0, 100).Params.MaxOutputTokens)
	assert.LessOrEqual(t, m.Mutate(prompt, "", 0, 100).Params.Temperature, 1.0)
}

func TestMutate_SameSessionAcrossCalls(t *testing.T) {
	m := New(nil)
	other := New(nil)
	assert.NotEqual(t, m.SessionID(), other.SessionID())
	assert.Contains(t, m.Mutate(prompt, "", 0, 1).Prompt, m.SessionID())
	assert.Contains(t, m.Mutate(prompt, "", 0, 2).Prompt, m.SessionID())
}
