package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/router-for-me/ReceiptRelay/internal/app"
	"github.com/router-for-me/ReceiptRelay/internal/export"
	"github.com/router-for-me/ReceiptRelay/internal/extract"
	"github.com/router-for-me/ReceiptRelay/internal/prompts"
	"github.com/router-for-me/ReceiptRelay/internal/store"
	"github.com/router-for-me/ReceiptRelay/internal/util"
	"github.com/router-for-me/ReceiptRelay/sdk/relay"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const readConcurrency = 8

var documentExts = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".heic": "image/heic",
	".pdf":  "application/pdf",
}

type analyzeOptions struct {
	profile    string
	kind       string
	structured bool
	batchID    string
	xlsxPath   string
}

// DocumentResult is one line of analyze output.
type DocumentResult struct {
	File   string `json:"file"`
	Value  string `json:"value,omitempty"`
	Cached bool   `json:"cached,omitempty"`
	Stored bool   `json:"stored,omitempty"`
	Error  string `json:"error,omitempty"`
}

func newAnalyzeCmd(root *rootOptions) *cobra.Command {
	opts := &analyzeOptions{}
	cmd := &cobra.Command{
		Use:   "analyze <dir>",
		Short: "Analyze every receipt, invoice or PDF in a directory",
		Long: `Analyze reads the documents in <dir> and fans them out across the
credential pool. With --batch, results are kept in the configured store and
files already analyzed are answered from it.`,
		Example: `  receiptctl analyze ./julho
  receiptctl analyze ./julho --profile cash --batch julho --xlsx julho.xlsx`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.withApp(cmd.Context(), func(a *app.App) error {
				return runAnalyze(cmd, root, opts, a, args[0])
			})
		},
	}
	cmd.Flags().StringVar(&opts.profile, "profile", "", "Prompt and extraction profile (cash, company)")
	cmd.Flags().StringVar(&opts.kind, "kind", "", "Analysis kind for images (receipt, invoice); PDFs always use pdf")
	cmd.Flags().BoolVar(&opts.structured, "structured", true, "Normalize replies into canonical lines")
	cmd.Flags().StringVar(&opts.batchID, "batch", "", "Store results under this batch id")
	cmd.Flags().StringVar(&opts.xlsxPath, "xlsx", "", "Write successful results to this XLSX file")
	return cmd
}

type document struct {
	name     string
	mimeType string
	data     []byte
}

func runAnalyze(cmd *cobra.Command, root *rootOptions, opts *analyzeOptions, a *app.App, dir string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	docs, err := readDocuments(ctx, dir)
	if err != nil {
		return err
	}
	if len(docs) == 0 {
		return fmt.Errorf("no supported documents in %s", dir)
	}

	results := make([]DocumentResult, len(docs))
	var reqs []relay.ReceiptRequest
	var pending []int
	for i, d := range docs {
		req := relay.ReceiptRequest{
			Media:      d.data,
			MimeType:   d.mimeType,
			Structured: opts.structured,
			FileName:   d.name,
			FileIndex:  i + 1,
			Profile:    opts.profile,
			Kind:       opts.kind,
		}
		if req.IsPDF() {
			req.Kind = prompts.KindPDF
		} else if req.Kind == "" {
			req.Kind = prompts.KindReceipt
		}
		results[i].File = d.name

		if opts.batchID != "" {
			value, ok, errGet := a.Store.GetAnalysis(ctx, d.name, util.SHA256Hex(d.data), store.KindKey(req.Kind, req.Profile, req.Structured))
			if errGet != nil {
				log.Warnf("batch store lookup failed: %v", errGet)
			} else if ok {
				results[i].Value = value
				results[i].Stored = true
				continue
			}
		}
		reqs = append(reqs, req)
		pending = append(pending, i)
	}

	for j, res := range a.Service.AnalyzeBatch(ctx, reqs) {
		i := pending[j]
		if res.Err != nil {
			results[i].Error = res.Err.Error()
			continue
		}
		results[i].Value = res.Value
		results[i].Cached = res.Cached
		if opts.batchID == "" || res.Value == extract.FailureMarker {
			continue
		}
		req := reqs[j]
		errStore := a.Store.StoreAnalysis(ctx, store.Analysis{
			FileName: req.FileName,
			FileHash: util.SHA256Hex(req.Media),
			Kind:     store.KindKey(req.Kind, req.Profile, req.Structured),
			Value:    res.Value,
			BatchID:  opts.batchID,
		})
		if errStore != nil {
			log.Warnf("batch store write failed: %v", errStore)
		}
	}

	if opts.xlsxPath != "" {
		if err = writeXLSX(opts.xlsxPath, results); err != nil {
			return err
		}
	}

	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
	}
	out := cmd.OutOrStdout()
	if root.jsonOutput {
		if err = outputJSON(out, results); err != nil {
			return err
		}
	} else {
		for _, r := range results {
			switch {
			case r.Error != "":
				fmt.Fprintf(out, "%s\t%s\n", r.File, root.color(colorRed, r.Error))
			case r.Stored || r.Cached:
				fmt.Fprintf(out, "%s\t%s %s\n", r.File, r.Value, root.color(colorDim, "(cached)"))
			default:
				fmt.Fprintf(out, "%s\t%s\n", r.File, root.color(colorGreen, r.Value))
			}
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed", failed, len(results))
	}
	return nil
}

// readDocuments loads the supported files of dir, sorted by name.
func readDocuments(ctx context.Context, dir string) ([]document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := documentExts[strings.ToLower(filepath.Ext(e.Name()))]; ok {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	docs := make([]document, len(names))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(readConcurrency)
	for i, name := range names {
		g.Go(func() error {
			data, errRead := os.ReadFile(filepath.Join(dir, name))
			if errRead != nil {
				return fmt.Errorf("read %s: %w", name, errRead)
			}
			docs[i] = document{name: name, mimeType: mimeTypeOf(name, data), data: data}
			return nil
		})
	}
	if err = g.Wait(); err != nil {
		return nil, err
	}
	return docs, nil
}

func mimeTypeOf(name string, data []byte) string {
	if t, ok := documentExts[strings.ToLower(filepath.Ext(name))]; ok {
		return t
	}
	return http.DetectContentType(data)
}

func writeXLSX(path string, results []DocumentResult) (err error) {
	analyses := make([]store.Analysis, 0, len(results))
	for _, r := range results {
		if r.Error == "" {
			analyses = append(analyses, store.Analysis{FileName: r.File, Value: r.Value})
		}
	}
	records, skipped := export.RecordsFromAnalyses(analyses)
	if skipped > 0 {
		log.Infof("%d results were not canonical lines and were left out of %s", skipped, path)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create xlsx: %w", err)
	}
	defer func() {
		if errClose := f.Close(); errClose != nil && err == nil {
			err = errClose
		}
	}()
	return export.WriteRecords(f, records)
}
