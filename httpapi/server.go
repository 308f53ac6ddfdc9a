// Package httpapi exposes the upload engine over HTTP. It is a thin
// controller layer: every request maps one-to-one onto an engine operation
// and engine error codes map onto stable HTTP responses.
package httpapi

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/icefunicu/cloudpan/upload"
)

// Error is the default httpapi error class.
var Error = errs.Class("httpapi")

// Config defines parameters for the HTTP server.
type Config struct {
	Address string `help:"address to listen on" default:":8080"`
}

// Server serves the upload API.
type Server struct {
	log     *zap.Logger
	service *upload.Service
	server  *http.Server
}

// New creates an upload API server.
func New(log *zap.Logger, service *upload.Service, config Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	server := &Server{
		log:     log,
		service: service,
		server:  &http.Server{Addr: config.Address, Handler: router},
	}

	api := router.Group("/api/upload")
	api.PUT("/chunk", server.uploadChunk)
	api.GET("/chunk", server.chunkStatus)
	api.GET("/progress", server.progress)
	api.POST("/finalize", server.finalize)
	api.POST("/instant", server.instantUpload)
	api.DELETE("/session", server.clearSession)

	return server
}

// Handler returns the underlying request handler, for embedding and tests.
func (server *Server) Handler() http.Handler {
	return server.server.Handler
}

// Run serves requests until the listener fails.
func (server *Server) Run() error {
	err := server.server.ListenAndServe()
	if errs.Is(err, http.ErrServerClosed) {
		return nil
	}
	return Error.Wrap(err)
}

// Close shuts the server down.
func (server *Server) Close() error {
	return Error.Wrap(server.server.Close())
}

var statusByCode = map[string]int{
	upload.CodeConcurrencyLimit: http.StatusTooManyRequests,
	upload.CodeChunkWrite:       http.StatusBadGateway,
	upload.CodeChunksMissing:    http.StatusConflict,
	upload.CodeMergeFailed:      http.StatusBadGateway,
	upload.CodeHashMismatch:     http.StatusUnprocessableEntity,
	upload.CodeQuotaExceeded:    http.StatusInsufficientStorage,
	upload.CodeInternal:         http.StatusInternalServerError,
}

func (server *Server) abort(c *gin.Context, err error) {
	code := upload.Code(err)
	status, ok := statusByCode[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	if status == http.StatusInternalServerError {
		server.log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"code": code, "error": err.Error()})
}

type sessionQuery struct {
	UserID      string `form:"userId" binding:"required"`
	ContentHash string `form:"contentHash" binding:"required"`
}

func (server *Server) uploadChunk(c *gin.Context) {
	var query struct {
		sessionQuery
		ChunkIndex  int `form:"chunkIndex"`
		TotalChunks int `form:"totalChunks" binding:"required"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	status, err := server.service.UploadChunk(c.Request.Context(),
		query.UserID, query.ContentHash, query.ChunkIndex, query.TotalChunks,
		c.Request.Body, c.Request.ContentLength)
	if err != nil {
		server.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status})
}

func (server *Server) chunkStatus(c *gin.Context) {
	var query sessionQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	chunkIndex, err := strconv.Atoi(c.Query("chunkIndex"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chunkIndex"})
		return
	}

	uploaded, err := server.service.IsChunkUploaded(c.Request.Context(),
		query.UserID, query.ContentHash, chunkIndex)
	if err != nil {
		server.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"uploaded": uploaded})
}

func (server *Server) progress(c *gin.Context) {
	var query sessionQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	progress, err := server.service.GetProgress(c.Request.Context(),
		query.UserID, query.ContentHash)
	if err != nil {
		server.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, progress)
}

func (server *Server) finalize(c *gin.Context) {
	var body struct {
		UserID      string `json:"userId" binding:"required"`
		ContentHash string `json:"contentHash" binding:"required"`
		TotalChunks int    `json:"totalChunks" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := server.service.Finalize(c.Request.Context(),
		body.UserID, body.ContentHash, body.TotalChunks)
	if err != nil {
		server.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (server *Server) instantUpload(c *gin.Context) {
	var body struct {
		UserID      string `json:"userId" binding:"required"`
		ContentHash string `json:"contentHash" binding:"required"`
		Name        string `json:"name"`
		ParentID    string `json:"parentId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	file, err := server.service.TryInstantUpload(c.Request.Context(),
		body.UserID, body.ContentHash, body.Name, body.ParentID)
	if err != nil {
		server.abort(c, err)
		return
	}
	if file == nil {
		c.JSON(http.StatusOK, gin.H{"instant": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"instant": true,
		"fileId":  file.ID,
		"size":    file.Size,
	})
}

func (server *Server) clearSession(c *gin.Context) {
	var query sessionQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := server.service.ClearSession(c.Request.Context(),
		query.UserID, query.ContentHash); err != nil {
		server.abort(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
