package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/gamma-omg/docqa/engine"
	"github.com/gamma-omg/docqa/history"
	"github.com/gamma-omg/docqa/index"
	"github.com/gamma-omg/docqa/ingest"
	"github.com/gamma-omg/docqa/objstore"
)

const (
	msgStorageCreated  = "Storage context and query engine created successfully."
	msgStorageFailed   = "Failed to create storage context."
	msgQueryRequired   = "The 'query' field is required in the request body."
	msgNotReady        = "Query engine is not initialized. Please set up the storage context first."
	msgQueryFailed     = "Failed to process query."
	msgNoFile          = "No file uploaded."
	msgPathNotAllowed  = "File path is outside the allowed directories."
	msgUnsupportedFile = "Unsupported file type."
	msgUploadFailed    = "Failed to upload document."
	msgNotSynced       = "File not found in synced directory."
	msgEmptyDocument   = "Failed to load the document. Check the file path."
	msgDocumentAdded   = "Document added and index updated successfully."
	msgAddFailed       = "Failed to add document to index."
	msgMessageRequired = "The 'message' field is required in the request body."
	msgUserIDRequired  = "The 'userId' field is required in the request body."
	msgChatFailed      = "Failed to process chat message."
	msgAgentFailed     = "Failed to process message."
	msgInvalidBody     = "Invalid request body."
)

type indexManager interface {
	BuildFromCorpus(ctx context.Context, dir string) (*index.Index, error)
	Reopen(ctx context.Context) (*index.Index, error)
	Insert(ctx context.Context, idx *index.Index, docs []ingest.Document) error
}

type documentLoader interface {
	Supports(path string) bool
	LoadFromPaths(ctx context.Context, paths []string) ([]ingest.Document, error)
}

type syncedView interface {
	Dir() string
	WaitFor(ctx context.Context, name string) (string, error)
}

type router interface {
	Route(ctx context.Context, message string) (string, error)
}

type ServerDeps struct {
	Indexes   indexManager
	Loader    documentLoader
	Objects   objstore.Store
	Corpus    syncedView
	Query     *engine.QueryEngine
	Chat      *engine.ChatEngine
	Histories history.Store
	Agent     router
	Metrics   *Metrics
	AddMode   string
	UploadDir string
	// MaxUploadMB bounds request bodies. <= 0 disables the limit.
	MaxUploadMB int64
}

// Server exposes the index, engines and agent over HTTP. It keeps no index
// state between requests: every handler reopens the last published generation.
type Server struct {
	log       *slog.Logger
	echo      *echo.Echo
	deps      ServerDeps
	userLocks *keyedMutex
}

type errorResponse struct {
	Error string `json:"error"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type answerResponse struct {
	Response string `json:"response"`
}

func NewServer(log *slog.Logger, deps ServerDeps) *Server {
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics()
	}
	if deps.AddMode == "" {
		deps.AddMode = addModeInsert
	}

	s := &Server{
		log:       log,
		echo:      echo.New(),
		deps:      deps,
		userLocks: newKeyedMutex(),
	}

	e := s.echo
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(deps.Metrics.Middleware())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Info("request",
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency_ms", v.Latency.Milliseconds())
			return nil
		},
	}))
	if deps.MaxUploadMB > 0 {
		e.Use(middleware.BodyLimit(fmt.Sprintf("%dM", deps.MaxUploadMB)))
	}

	e.POST("/create-storage-context", s.createStorageContext)
	e.POST("/ask-question", s.askQuestion)
	e.POST("/add-document", s.addDocument)
	e.POST("/chat", s.chat)
	if deps.Agent != nil {
		e.POST("/agent", s.routeMessage)
	}
	e.GET("/healthz", s.health)
	e.GET("/metrics", echo.WrapHandler(deps.Metrics.Handler()))

	return s
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start(addr string) error {
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) createStorageContext(c echo.Context) error {
	ctx := c.Request().Context()

	_, err := s.deps.Indexes.BuildFromCorpus(ctx, s.deps.Corpus.Dir())
	s.deps.Metrics.IndexOp("build", err)
	if err != nil {
		s.log.Error("failed to create storage context", "error", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{msgStorageFailed})
	}

	return c.JSON(http.StatusOK, messageResponse{msgStorageCreated})
}

func (s *Server) askQuestion(c echo.Context) error {
	var req struct {
		Query string `json:"query"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{msgInvalidBody})
	}
	if strings.TrimSpace(req.Query) == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{msgQueryRequired})
	}

	ctx := c.Request().Context()
	idx, err := s.reopen(ctx)
	if err != nil {
		return s.indexError(c, err, msgQueryFailed)
	}

	answer, err := s.deps.Query.Query(ctx, idx, req.Query)
	if err != nil {
		return s.indexError(c, err, msgQueryFailed)
	}

	return c.JSON(http.StatusOK, answerResponse{answer})
}

func (s *Server) addDocument(c echo.Context) error {
	ctx := c.Request().Context()

	local, name, cleanup, err := s.receiveUpload(c)
	if err != nil {
		if errors.Is(err, errNoFile) {
			return c.JSON(http.StatusBadRequest, errorResponse{msgNoFile})
		}
		if errors.Is(err, errPathNotAllowed) {
			s.log.Warn("rejected file path outside allowed directories", "error", err)
			return c.JSON(http.StatusBadRequest, errorResponse{msgPathNotAllowed})
		}

		s.log.Error("failed to receive upload", "error", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{msgUploadFailed})
	}
	defer cleanup()

	if !s.deps.Loader.Supports(name) {
		return c.JSON(http.StatusBadRequest, errorResponse{msgUnsupportedFile})
	}

	if err := s.deps.Objects.Put(ctx, local, name); err != nil {
		s.log.Error("failed to upload document", "file", name, "error", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{msgUploadFailed})
	}

	synced, err := s.deps.Corpus.WaitFor(ctx, name)
	if err != nil {
		s.log.Error("document not visible in synced directory", "file", name, "error", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{msgNotSynced})
	}

	docs, err := s.deps.Loader.LoadFromPaths(ctx, []string{synced})
	if err != nil {
		s.log.Error("failed to load document", "file", synced, "error", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{msgAddFailed})
	}
	if len(docs) == 0 {
		return c.JSON(http.StatusBadRequest, errorResponse{msgEmptyDocument})
	}

	if s.deps.AddMode == addModeRebuild {
		_, err = s.deps.Indexes.BuildFromCorpus(ctx, s.deps.Corpus.Dir())
		s.deps.Metrics.IndexOp("build", err)
	} else {
		var idx *index.Index
		idx, err = s.reopen(ctx)
		if err == nil {
			err = s.deps.Indexes.Insert(ctx, idx, docs)
			s.deps.Metrics.IndexOp("insert", err)
		}
	}
	if err != nil {
		if errors.Is(err, index.ErrNoDocuments) {
			return c.JSON(http.StatusBadRequest, errorResponse{msgEmptyDocument})
		}
		return s.indexError(c, err, msgAddFailed)
	}

	s.log.Info("document added", "file", name, "mode", s.deps.AddMode)
	return c.JSON(http.StatusOK, messageResponse{msgDocumentAdded})
}

func (s *Server) chat(c echo.Context) error {
	var req struct {
		Message string `json:"message"`
		UserID  string `json:"userId"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{msgInvalidBody})
	}
	if strings.TrimSpace(req.Message) == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{msgMessageRequired})
	}
	if strings.TrimSpace(req.UserID) == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{msgUserIDRequired})
	}

	ctx := c.Request().Context()

	// History is read-modify-written as a whole.
	unlock, err := s.userLocks.Lock(ctx, req.UserID)
	if err != nil {
		s.log.Warn("chat turn abandoned while waiting for user lock", "user", req.UserID, "error", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{msgChatFailed})
	}
	defer unlock()

	idx, err := s.reopen(ctx)
	if err != nil {
		return s.indexError(c, err, msgChatFailed)
	}

	h, err := s.deps.Histories.Get(ctx, req.UserID)
	if err != nil {
		s.log.Error("failed to read chat history", "user", req.UserID, "error", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{msgChatFailed})
	}

	reply, updated, err := s.deps.Chat.Chat(ctx, idx, h, req.Message)
	if err != nil {
		return s.indexError(c, err, msgChatFailed)
	}

	if err := s.deps.Histories.Put(ctx, req.UserID, updated); err != nil {
		s.log.Error("failed to store chat history", "user", req.UserID, "error", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{msgChatFailed})
	}

	return c.JSON(http.StatusOK, answerResponse{reply})
}

func (s *Server) routeMessage(c echo.Context) error {
	var req struct {
		Message string `json:"message"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{msgInvalidBody})
	}
	if strings.TrimSpace(req.Message) == "" {
		return c.JSON(http.StatusBadRequest, errorResponse{msgMessageRequired})
	}

	answer, err := s.deps.Agent.Route(c.Request().Context(), req.Message)
	if err != nil {
		s.log.Error("agent failed", "error", err)
		return c.JSON(http.StatusInternalServerError, errorResponse{msgAgentFailed})
	}

	return c.JSON(http.StatusOK, answerResponse{answer})
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) reopen(ctx context.Context) (*index.Index, error) {
	idx, err := s.deps.Indexes.Reopen(ctx)
	s.deps.Metrics.IndexOp("reopen", err)
	return idx, err
}

// indexError maps a not-built index to 400 and anything else to a generic 500.
func (s *Server) indexError(c echo.Context, err error, msg string) error {
	if errors.Is(err, index.ErrNotBuilt) || errors.Is(err, engine.ErrNotReady) {
		return c.JSON(http.StatusBadRequest, errorResponse{msgNotReady})
	}

	s.log.Error(strings.TrimSuffix(msg, "."), "error", err)
	return c.JSON(http.StatusInternalServerError, errorResponse{msg})
}

var (
	errNoFile         = errors.New("no file in request")
	errPathNotAllowed = errors.New("file path not allowed")
)

// receiveUpload returns a local copy of the uploaded document and its object
// name. Multipart uploads are spooled to a temp file that cleanup removes; a
// JSON filePath must name a file inside the upload or corpus directory and is
// left alone.
func (s *Server) receiveUpload(c echo.Context) (string, string, func(), error) {
	noop := func() {}

	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		fh, err := c.FormFile("file")
		if err != nil {
			return "", "", noop, errNoFile
		}

		name := filepath.Base(fh.Filename)
		if name == "." || name == string(filepath.Separator) {
			return "", "", noop, errNoFile
		}

		src, err := fh.Open()
		if err != nil {
			return "", "", noop, fmt.Errorf("failed to open uploaded file: %w", err)
		}
		defer src.Close()

		if s.deps.UploadDir != "" {
			if err := os.MkdirAll(s.deps.UploadDir, 0o755); err != nil {
				return "", "", noop, fmt.Errorf("failed to create upload directory: %w", err)
			}
		}

		tmp, err := os.CreateTemp(s.deps.UploadDir, "upload-*"+filepath.Ext(name))
		if err != nil {
			return "", "", noop, fmt.Errorf("failed to create temp file: %w", err)
		}
		cleanup := func() {
			if err := os.Remove(tmp.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
				s.log.Warn("failed to remove temp upload", "file", tmp.Name(), "error", err)
			}
		}

		_, err = io.Copy(tmp, src)
		if cerr := tmp.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			cleanup()
			return "", "", noop, fmt.Errorf("failed to spool upload: %w", err)
		}

		return tmp.Name(), name, cleanup, nil
	}

	var req struct {
		FilePath string `json:"filePath"`
	}
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.FilePath) == "" {
		return "", "", noop, errNoFile
	}

	path, err := s.allowedPath(req.FilePath)
	if err != nil {
		return "", "", noop, err
	}

	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", "", noop, errNoFile
	}

	return path, filepath.Base(path), noop, nil
}

// allowedPath resolves p and accepts it only if it lies inside the upload or
// the corpus directory.
func (s *Server) allowedPath(p string) (string, error) {
	resolved, err := resolvePath(p)
	if err != nil {
		return "", errNoFile
	}

	for _, root := range []string{s.deps.UploadDir, s.deps.Corpus.Dir()} {
		if root == "" {
			continue
		}

		r, err := resolvePath(root)
		if err != nil {
			continue
		}

		rel, err := filepath.Rel(r, resolved)
		if err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return resolved, nil
		}
	}

	return "", fmt.Errorf("%w: %s", errPathNotAllowed, p)
}

func resolvePath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}

	return filepath.EvalSymlinks(abs)
}
