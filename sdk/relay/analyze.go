package relay

import (
	"context"
	"strings"
	"time"

	"github.com/router-for-me/ReceiptRelay/internal/extract"
	"github.com/router-for-me/ReceiptRelay/internal/prompts"
	"github.com/router-for-me/ReceiptRelay/internal/util"
	"github.com/router-for-me/ReceiptRelay/sdk/relay/dispatch"
	log "github.com/sirupsen/logrus"
)

const mimePDF = "application/pdf"

// ReceiptRequest describes one document to analyze.
type ReceiptRequest struct {
	Media    []byte
	MimeType string
	// Prompt overrides the registry prompt for Profile and Kind.
	Prompt string
	// Structured runs the reply through the extractor and returns a
	// canonical line.
	Structured bool
	FileName   string
	FileIndex  int
	Profile    string
	// Kind defaults to "receipt", or "pdf" for PDF media.
	Kind string
}

// IsPDF reports whether the request carries a PDF.
func (r ReceiptRequest) IsPDF() bool {
	return strings.EqualFold(strings.TrimSpace(r.MimeType), mimePDF) || r.Kind == prompts.KindPDF
}

// BatchResult is the outcome of one AnalyzeBatch entry, in request order.
type BatchResult struct {
	Index    int    `json:"index"`
	FileName string `json:"file_name"`
	Value    string `json:"value,omitempty"`
	Cached   bool   `json:"cached"`
	Err      error  `json:"-"`
}

// analysis is a validated ReceiptRequest.
type analysis struct {
	req      ReceiptRequest
	op       string
	prompt   string
	profile  extract.Profile
	identity string
	cacheKey string
}

// AnalyzeReceipt analyzes an image document through the serial lane.
func (s *Service) AnalyzeReceipt(ctx context.Context, req ReceiptRequest) (string, error) {
	return s.analyzeSerial(ctx, req, opAnalyzeReceipt)
}

// AnalyzePDF analyzes a PDF document through the serial lane.
func (s *Service) AnalyzePDF(ctx context.Context, req ReceiptRequest) (string, error) {
	if req.MimeType == "" {
		req.MimeType = mimePDF
	}
	if req.Kind == "" {
		req.Kind = prompts.KindPDF
	}
	return s.analyzeSerial(ctx, req, opAnalyzePDF)
}

func (s *Service) analyzeSerial(ctx context.Context, req ReceiptRequest, op string) (string, error) {
	a, err := s.prepare(req, op)
	if err != nil {
		return "", wrap(op, err)
	}
	if value, ok := s.lookup(ctx, a.identity, a.prompt, a.cacheKey); ok {
		return value, nil
	}
	start := time.Now()
	raw, err := s.runSerial(ctx, s.analysisFunc(a))
	if err != nil {
		return "", wrap(op, err)
	}
	return s.finish(ctx, a, raw, start), nil
}

// AnalyzeBatch analyzes reqs through the parallel dispatcher, one credential
// per in-flight call. Results keep the order of reqs; a failed entry does
// not affect the others.
func (s *Service) AnalyzeBatch(ctx context.Context, reqs []ReceiptRequest) []BatchResult {
	results := make([]BatchResult, len(reqs))
	handles := make([]*dispatch.Handle, len(reqs))
	prepared := make([]analysis, len(reqs))
	starts := make([]time.Time, len(reqs))

	for i, req := range reqs {
		results[i] = BatchResult{Index: i, FileName: req.FileName}
		op := opAnalyzeReceipt
		if req.IsPDF() {
			op = opAnalyzePDF
			if req.MimeType == "" {
				req.MimeType = mimePDF
			}
		}
		a, err := s.prepare(req, op)
		if err != nil {
			results[i].Err = wrap(op, err)
			continue
		}
		if value, ok := s.lookup(ctx, a.identity, a.prompt, a.cacheKey); ok {
			results[i].Value, results[i].Cached = value, true
			continue
		}
		h, err := s.parallel.Submit(s.analysisFunc(a))
		if err != nil {
			results[i].Err = wrap(op, err)
			continue
		}
		prepared[i], handles[i], starts[i] = a, h, time.Now()
	}

	for i, h := range handles {
		if h == nil {
			continue
		}
		raw, err := h.Wait(ctx)
		if err != nil {
			results[i].Err = wrap(prepared[i].op, err)
			continue
		}
		results[i].Value = s.finish(ctx, prepared[i], raw, starts[i])
	}
	return results
}

func (s *Service) prepare(req ReceiptRequest, op string) (analysis, error) {
	if len(req.Media) == 0 {
		return analysis{}, ErrEmptyMedia
	}
	profile, err := extract.ParseProfile(req.Profile)
	if err != nil {
		return analysis{}, ErrUnsupportedProfile
	}
	kind := strings.ToLower(strings.TrimSpace(req.Kind))
	if kind == "" {
		kind = prompts.KindReceipt
		if req.IsPDF() {
			kind = prompts.KindPDF
		}
	}
	req.Kind = kind

	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		var ok bool
		if prompt, ok = s.prompts.Get(string(profile), kind); !ok {
			return analysis{}, ErrUnsupportedKind
		}
	}
	if err := s.checkPromptSize(prompt); err != nil {
		return analysis{}, err
	}

	// The canonical line of a structured reply can take its date from the
	// file name, so the name becomes part of the identity.
	nameKey := ""
	if req.Structured {
		if _, ok := extract.DateHintFromFileName(req.FileName); ok {
			nameKey = req.FileName
		}
	}
	cacheKey := kind + ":" + string(profile)
	if req.Structured {
		cacheKey += ":structured"
	}
	return analysis{
		req:      req,
		op:       op,
		prompt:   prompt,
		profile:  profile,
		identity: mediaIdentity(req.Media, nameKey),
		cacheKey: cacheKey,
	}, nil
}

// analysisFunc builds the job closure. The prompt is mutated per attempt so
// a retry never repeats the previous request byte for byte.
func (s *Service) analysisFunc(a analysis) dispatch.Func {
	return func(ctx context.Context, attempt dispatch.Attempt) (string, error) {
		mutation := s.mutate(a.prompt, a.req.FileName, a.req.FileIndex, attempt.Number)
		log.WithFields(log.Fields{
			"file":       a.req.FileName,
			"kind":       a.req.Kind,
			"attempt":    attempt.Number + 1,
			"credential": attempt.Credential.Masked(),
		}).Debug("analyzing document")
		return s.client.GenerateContent(ctx, attempt.Credential, Request{
			Prompt:   mutation.Prompt,
			Media:    a.req.Media,
			MimeType: a.req.MimeType,
			Params:   mutation.Params,
		})
	}
}

func (s *Service) finish(ctx context.Context, a analysis, raw string, start time.Time) string {
	value := strings.TrimSpace(raw)
	if a.req.Structured {
		value = s.extractor.Extract(raw, extract.Hints{FileName: a.req.FileName, Profile: a.profile})
	}
	log.WithFields(log.Fields{
		"file":    a.req.FileName,
		"kind":    a.req.Kind,
		"elapsed": durationSince(start),
	}).Info("document analyzed")
	s.store(ctx, a.identity, a.prompt, a.cacheKey, value)
	return value
}

// mediaIdentity is the hex SHA-256 of the content, extended with name when
// the result depends on it.
func mediaIdentity(media []byte, name string) string {
	if name == "" {
		return util.SHA256Hex(media)
	}
	return util.SHA256Hex(media, []byte{0}, []byte(name))
}
