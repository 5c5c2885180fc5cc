package server

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	core "github.com/mohammad-safakhou/fitplan/internal/agent/core"
	"github.com/mohammad-safakhou/fitplan/internal/rag"
	"github.com/mohammad-safakhou/fitplan/internal/runtime"
	"github.com/mohammad-safakhou/fitplan/internal/websearch"
)

const maxDocumentBytes = 20 << 20

// RAGHandler exposes corpus maintenance and search. Mutations require the
// admin scope.
type RAGHandler struct {
	RAG  *rag.Manager
	Web  websearch.Searcher
	TopK int
}

func (h *RAGHandler) Register(g *echo.Group) {
	admin := runtime.RequireScopes(runtime.ScopeAdmin)
	g.GET("/web/search", h.webSearch)
	g.POST("/:corpus/upload", h.upload, admin)
	g.GET("/:corpus/search", h.search)
	g.GET("/:corpus/stats", h.stats)
	g.DELETE("/:corpus/clear", h.clear, admin)
	g.POST("/:corpus/process-folder", h.processFolder, admin)
	g.GET("/:corpus/list-files", h.listFiles)
}

func (h *RAGHandler) corpus(c echo.Context) (*rag.Corpus, error) {
	corp, err := h.RAG.Corpus(c.Param("corpus"))
	if err != nil {
		return nil, echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return corp, nil
}

func (h *RAGHandler) limit(c echo.Context) int {
	if k, err := strconv.Atoi(c.QueryParam("k")); err == nil && k > 0 {
		return min(k, 50)
	}
	if h.TopK > 0 {
		return h.TopK
	}
	return 5
}

func (h *RAGHandler) upload(c echo.Context) error {
	corp, err := h.corpus(c)
	if err != nil {
		return err
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file is required")
	}
	name := filepath.Base(fh.Filename)
	if !rag.Supported(name) {
		return echo.NewHTTPError(http.StatusBadRequest, "unsupported file type, use one of "+strings.Join(rag.SupportedExtensions, ", "))
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxDocumentBytes+1))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(data) > maxDocumentBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "document exceeds 20MB")
	}
	chunks, err := corp.AddBytes(name, data)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "failed to process document: "+err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{
		"success":  true,
		"filename": name,
		"chunks":   chunks,
		"corpus":   corp.Name(),
	})
}

func (h *RAGHandler) search(c echo.Context) error {
	corp, err := h.corpus(c)
	if err != nil {
		return err
	}
	q := strings.TrimSpace(c.QueryParam("query"))
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	hits, err := corp.Search(c.Request().Context(), q, h.limit(c))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"query": q, "results": hits})
}

func (h *RAGHandler) stats(c echo.Context) error {
	corp, err := h.corpus(c)
	if err != nil {
		return err
	}
	st, err := corp.Stats()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, st)
}

func (h *RAGHandler) clear(c echo.Context) error {
	corp, err := h.corpus(c)
	if err != nil {
		return err
	}
	if err := corp.Clear(); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"success": true, "message": corp.Name() + " corpus cleared"})
}

func (h *RAGHandler) processFolder(c echo.Context) error {
	corp, err := h.corpus(c)
	if err != nil {
		return err
	}
	folder := h.RAG.Folder(corp.Name())
	if folder == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "no documents folder configured for "+corp.Name())
	}
	report, err := corp.ProcessFolder(c.Request().Context(), folder)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, report)
}

func (h *RAGHandler) listFiles(c echo.Context) error {
	corp, err := h.corpus(c)
	if err != nil {
		return err
	}
	folder := h.RAG.Folder(corp.Name())
	if folder == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "no documents folder configured for "+corp.Name())
	}
	listing, err := rag.ListFiles(folder)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, listing)
}

// webSearch queries the web directly; domain=diet|exercise applies that
// domain's query prefix.
func (h *RAGHandler) webSearch(c echo.Context) error {
	if h.Web == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, websearch.ErrNotConfigured.Error())
	}
	q := strings.TrimSpace(c.QueryParam("query"))
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query is required")
	}
	var r core.Retriever
	switch c.QueryParam("domain") {
	case "":
		r = websearch.Domain{Searcher: h.Web}
	case rag.Diet:
		r = websearch.Domain{Searcher: h.Web, Prefix: websearch.DietPrefix}
	case rag.Exercise:
		r = websearch.Domain{Searcher: h.Web, Prefix: websearch.ExercisePrefix}
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "domain must be diet or exercise")
	}
	hits, err := r.Search(c.Request().Context(), q, h.limit(c))
	if err != nil {
		var se *websearch.StatusError
		if errors.As(err, &se) {
			return echo.NewHTTPError(http.StatusBadGateway, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]any{"query": q, "results": hits})
}
