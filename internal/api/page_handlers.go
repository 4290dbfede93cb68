package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedcache/internal/cache"
	"github.com/JakeFAU/feedcache/internal/sources"
)

// Reader serves cache files. *cache.Store implements it.
type Reader interface {
	ReadPageSlice(user, category string, page int) (cache.Page, error)
	FindArticle(user, category, slug string) (cache.Item, int, error)
}

// PageHandler exposes the read-only cache endpoints.
type PageHandler struct {
	reader   Reader
	feedsDir string
	logger   *zap.Logger
}

// NewPageHandler wires the reader and logger. feedsDir is used to resolve a
// user's declared categories.
func NewPageHandler(reader Reader, feedsDir string, logger *zap.Logger) *PageHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PageHandler{reader: reader, feedsDir: feedsDir, logger: logger}
}

// GetUser handles GET /v1/users/{user}. It lists the categories declared by
// the user's source document and the one readers open by default.
func (h *PageHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	user := chi.URLParam(r, "user")
	file, ok := sources.FileFor(h.feedsDir, user+sources.Extension)
	if !ok {
		writeError(w, h.logger, http.StatusNotFound, "user not found")
		return
	}
	doc, err := sources.LoadFile(file.Path)
	if err != nil {
		writeError(w, h.logger, http.StatusNotFound, "user not found")
		return
	}
	categories := doc.Categories
	if categories == nil {
		categories = []string{}
	}
	writeJSON(w, h.logger, http.StatusOK, userDTO{
		User:            file.User,
		Categories:      categories,
		DefaultCategory: defaultCategory(doc),
	})
}

// GetPage handles GET /v1/users/{user}/categories/{category}?page=N. The page
// is sliced from the category file; out of range pages are clamped.
func (h *PageHandler) GetPage(w http.ResponseWriter, r *http.Request) {
	if h.reader == nil {
		writeError(w, h.logger, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	page, err := parsePage(r)
	if err != nil {
		writeError(w, h.logger, http.StatusBadRequest, err.Error())
		return
	}
	out, err := h.reader.ReadPageSlice(chi.URLParam(r, "user"), chi.URLParam(r, "category"), page)
	if err != nil {
		h.writeReadError(w, "page", err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, out)
}

// GetArticle handles GET /v1/users/{user}/categories/{category}/articles/{slug}.
// Only enriched items are addressable.
func (h *PageHandler) GetArticle(w http.ResponseWriter, r *http.Request) {
	if h.reader == nil {
		writeError(w, h.logger, http.StatusServiceUnavailable, "cache unavailable")
		return
	}
	slug := chi.URLParam(r, "slug")
	item, page, err := h.reader.FindArticle(chi.URLParam(r, "user"), chi.URLParam(r, "category"), slug)
	if err != nil {
		h.writeReadError(w, "article", err)
		return
	}
	writeJSON(w, h.logger, http.StatusOK, articleDTO{Slug: slug, Page: page, Article: item})
}

func (h *PageHandler) writeReadError(w http.ResponseWriter, what string, err error) {
	if errors.Is(err, cache.ErrNotFound) {
		writeError(w, h.logger, http.StatusNotFound, what+" not found")
		return
	}
	h.logger.Error("read "+what+" failed", zap.Error(err))
	writeError(w, h.logger, http.StatusInternalServerError, "failed to load "+what)
}

func parsePage(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("page"))
	if raw == "" {
		return 1, nil
	}
	page, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("invalid page")
	}
	return page, nil
}

// defaultCategory is the first declared category, or the parser default when
// the document declares none.
func defaultCategory(doc sources.Document) string {
	if len(doc.Categories) > 0 {
		return doc.Categories[0]
	}
	return sources.DefaultCategory
}

type userDTO struct {
	User            string   `json:"user"`
	Categories      []string `json:"categories"`
	DefaultCategory string   `json:"default_category"`
}

type articleDTO struct {
	Slug    string     `json:"slug"`
	Page    int        `json:"page"`
	Article cache.Item `json:"article"`
}
