// Package handlers provides the HTTP handlers of the relay API.
package handlers

import (
	"bytes"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/ReceiptRelay/internal/api/middleware"
	apperrors "github.com/router-for-me/ReceiptRelay/internal/errors"
	"github.com/router-for-me/ReceiptRelay/internal/export"
	"github.com/router-for-me/ReceiptRelay/internal/extract"
	"github.com/router-for-me/ReceiptRelay/internal/logging"
	"github.com/router-for-me/ReceiptRelay/internal/prompts"
	"github.com/router-for-me/ReceiptRelay/internal/runtime/executor"
	"github.com/router-for-me/ReceiptRelay/internal/store"
	"github.com/router-for-me/ReceiptRelay/internal/util"
	"github.com/router-for-me/ReceiptRelay/sdk/relay"
	log "github.com/sirupsen/logrus"
)

// MaxUploadBytes bounds a single uploaded document.
const MaxUploadBytes = 20 << 20

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// Handler serves the /v1 routes on top of a relay.Service.
type Handler struct {
	svc   *relay.Service
	store store.Store
	logs  *logging.RingBuffer

	chatMu sync.Mutex
	chats  map[string]*relay.Chat
}

// NewHandler returns a Handler. A nil logs buffer selects the global one.
func NewHandler(svc *relay.Service, st store.Store, logs *logging.RingBuffer) *Handler {
	if logs == nil {
		logs = logging.GlobalBuffer
	}
	return &Handler{svc: svc, store: st, logs: logs, chats: make(map[string]*relay.Chat)}
}

// WriteError renders err as AppError JSON.
func WriteError(c *gin.Context, err error) {
	appErr := apperrors.FromError(err)
	if appErr.HTTPStatusCode >= http.StatusInternalServerError {
		log.WithField("path", c.FullPath()).Errorf("request failed: %v", err)
	}
	_ = c.Error(err)
	c.Data(appErr.HTTPStatusCode, "application/json; charset=utf-8", appErr.ToJSON())
}

// GenerateRequest is the body of POST /v1/generate.
type GenerateRequest struct {
	Prompt      string   `json:"prompt"`
	Temperature *float64 `json:"temperature,omitempty"`
}

// Generate runs a text prompt.
// POST /v1/generate
func (h *Handler) Generate(c *gin.Context) {
	var req GenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		WriteError(c, apperrors.NewBadRequest("invalid request body", err))
		return
	}
	text, err := h.svc.GenerateText(c.Request.Context(), req.Prompt, relay.GenerateOptions{Temperature: req.Temperature})
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"text": text})
}

// StartChatRequest is the body of POST /v1/chat.
type StartChatRequest struct {
	History     []relay.Message `json:"history"`
	Temperature *float64        `json:"temperature,omitempty"`
}

// StartChat opens a chat held by this handler.
// POST /v1/chat
func (h *Handler) StartChat(c *gin.Context) {
	var req StartChatRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			WriteError(c, apperrors.NewBadRequest("invalid request body", err))
			return
		}
	}
	chat := h.svc.StartChat(req.History, relay.ChatOptions{Temperature: req.Temperature})
	h.chatMu.Lock()
	h.chats[chat.ID] = chat
	h.chatMu.Unlock()
	c.JSON(http.StatusCreated, gin.H{"id": chat.ID, "history": chat.History()})
}

// SendMessageRequest is the body of POST /v1/chat/:id/messages.
type SendMessageRequest struct {
	Text string `json:"text"`
}

// SendMessage sends one chat turn.
// POST /v1/chat/:id/messages
func (h *Handler) SendMessage(c *gin.Context) {
	id := c.Param("id")
	h.chatMu.Lock()
	chat := h.chats[id]
	h.chatMu.Unlock()
	if chat == nil {
		WriteError(c, apperrors.NewNotFound("chat not found"))
		return
	}
	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		WriteError(c, apperrors.NewBadRequest("invalid request body", err))
		return
	}
	reply, err := h.svc.SendMessage(c.Request.Context(), chat, req.Text)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "reply": reply})
}

// AnalyzeImage analyzes an uploaded image with the given prompt.
// POST /v1/analyze/image
func (h *Handler) AnalyzeImage(c *gin.Context) {
	upload, err := readUpload(c)
	if err != nil {
		WriteError(c, err)
		return
	}
	text, err := h.svc.AnalyzeImage(c.Request.Context(), c.PostForm("prompt"), upload.data, upload.mimeType)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"file_name": upload.name, "text": text})
}

// AnalyzeReceipt analyzes an uploaded receipt, invoice or PDF. Results are
// kept in the batch store so repeated uploads are answered locally. The
// failure marker is never stored, so a re-upload is analyzed again.
// POST /v1/analyze/receipt
func (h *Handler) AnalyzeReceipt(c *gin.Context) {
	upload, err := readUpload(c)
	if err != nil {
		WriteError(c, err)
		return
	}
	structured, _ := strconv.ParseBool(c.DefaultPostForm("structured", "true"))
	fileIndex, _ := strconv.Atoi(c.PostForm("file_index"))
	req := relay.ReceiptRequest{
		Media:      upload.data,
		MimeType:   upload.mimeType,
		Prompt:     c.PostForm("prompt"),
		Structured: structured,
		FileName:   upload.name,
		FileIndex:  fileIndex,
		Profile:    c.PostForm("profile"),
		Kind:       strings.ToLower(strings.TrimSpace(c.PostForm("kind"))),
	}
	if req.Kind == "" {
		req.Kind = prompts.KindReceipt
		if req.IsPDF() {
			req.Kind = prompts.KindPDF
		}
	}
	batchID := strings.TrimSpace(c.PostForm("batch_id"))
	ctx := c.Request.Context()

	fileHash := util.SHA256Hex(upload.data)
	storeKind := store.KindKey(req.Kind, req.Profile, req.Structured)
	if value, ok, errGet := h.store.GetAnalysis(ctx, upload.name, fileHash, storeKind); errGet != nil {
		log.Warnf("batch store lookup failed: %v", errGet)
	} else if ok {
		c.JSON(http.StatusOK, gin.H{"file_name": upload.name, "value": value, "stored": true})
		return
	}

	var value string
	if req.IsPDF() {
		value, err = h.svc.AnalyzePDF(ctx, req)
	} else {
		value, err = h.svc.AnalyzeReceipt(ctx, req)
	}
	if err != nil {
		WriteError(c, err)
		return
	}
	if value != extract.FailureMarker {
		errStore := h.store.StoreAnalysis(ctx, store.Analysis{
			FileName: upload.name,
			FileHash: fileHash,
			Kind:     storeKind,
			Value:    value,
			BatchID:  batchID,
		})
		if errStore != nil {
			log.Warnf("batch store write failed: %v", errStore)
		}
	}
	c.JSON(http.StatusOK, gin.H{"file_name": upload.name, "value": value, "stored": false})
}

// CountTokensRequest is the body of POST /v1/tokens/count.
type CountTokensRequest struct {
	Text string `json:"text"`
	// Local estimates the count without calling the upstream.
	Local bool `json:"local,omitempty"`
}

// CountTokens counts the tokens of text.
// POST /v1/tokens/count
func (h *Handler) CountTokens(c *gin.Context) {
	var req CountTokensRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		WriteError(c, apperrors.NewBadRequest("invalid request body", err))
		return
	}
	if req.Local {
		n, err := executor.EstimateTokens(req.Text)
		if err != nil {
			WriteError(c, apperrors.NewInternal("token estimate failed", err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"tokens": n, "source": "local"})
		return
	}
	n, err := h.svc.CountTokens(c.Request.Context(), req.Text)
	if err != nil {
		WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tokens": n, "source": "remote"})
}

// KeyStats returns the credential pool counters.
// GET /v1/keys/stats
func (h *Handler) KeyStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.KeyStats())
}

// Stats returns dispatcher, cache and connection counters.
// GET /v1/stats
func (h *Handler) Stats(c *gin.Context) {
	resp := gin.H{
		"dispatch":           h.svc.DispatchStats(),
		"active_connections": middleware.ActiveConnections.Count(),
	}
	if cs, ok := h.svc.CacheStats(c.Request.Context()); ok {
		resp["cache"] = cs
	}
	c.JSON(http.StatusOK, resp)
}

// ClearBatch deletes a batch's stored results and empties the result cache.
// DELETE /v1/batches/:id
func (h *Handler) ClearBatch(c *gin.Context) {
	id := c.Param("id")
	ctx := c.Request.Context()
	removed, err := h.store.ClearBatch(ctx, id)
	if err != nil {
		WriteError(c, apperrors.NewInternal("clear batch failed", err))
		return
	}
	if err = h.svc.ClearCache(ctx); err != nil {
		WriteError(c, apperrors.NewInternal("clear cache failed", err))
		return
	}
	log.WithFields(log.Fields{"batch": id, "removed": removed}).Info("batch cleared")
	c.JSON(http.StatusOK, gin.H{"batch_id": id, "removed": removed})
}

// ExportBatch downloads a batch as an XLSX workbook.
// GET /v1/batches/:id/export.xlsx
func (h *Handler) ExportBatch(c *gin.Context) {
	id := c.Param("id")
	analyses, err := h.store.ListBatch(c.Request.Context(), id)
	if err != nil {
		WriteError(c, apperrors.NewInternal("list batch failed", err))
		return
	}
	if len(analyses) == 0 {
		WriteError(c, apperrors.NewNotFound("batch not found"))
		return
	}
	records, skipped := export.RecordsFromAnalyses(analyses)
	var buf bytes.Buffer
	if err = export.WriteRecords(&buf, records); err != nil {
		WriteError(c, apperrors.NewInternal("export failed", err))
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.xlsx"`, sanitizeFileName(id)))
	c.Header("X-Skipped-Records", strconv.Itoa(skipped))
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}

// Logs returns recent log entries.
// GET /v0/logs?limit=N
func (h *Handler) Logs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	entries := h.logs.GetRecentEntries(limit)
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// Healthz reports liveness.
// GET /healthz
func Healthz(c *gin.Context) {
	logging.SkipGinRequestLogging(c)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type upload struct {
	name     string
	mimeType string
	data     []byte
}

func readUpload(c *gin.Context) (upload, error) {
	fh, err := c.FormFile("file")
	if err != nil {
		return upload{}, apperrors.NewBadRequest("multipart field \"file\" is required", err)
	}
	if fh.Size > MaxUploadBytes {
		return upload{}, apperrors.NewBadRequest(fmt.Sprintf("file exceeds %d bytes", MaxUploadBytes), nil)
	}
	data, err := readFormFile(fh)
	if err != nil {
		return upload{}, apperrors.NewBadRequest("unable to read upload", err)
	}
	mimeType := strings.TrimSpace(fh.Header.Get("Content-Type"))
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	return upload{name: filepath.Base(fh.Filename), mimeType: mimeType, data: data}, nil
}

func readFormFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer func() {
		if errClose := f.Close(); errClose != nil {
			log.Errorf("close upload error: %v", errClose)
		}
	}()
	return io.ReadAll(io.LimitReader(f, MaxUploadBytes+1))
}

func sanitizeFileName(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == '"' || r < 0x20 {
			return '_'
		}
		return r
	}, s)
}
