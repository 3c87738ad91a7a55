package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"bulk-squeeze/internal/bundle"
	"bulk-squeeze/internal/codec"
	"bulk-squeeze/internal/compressor"
	"bulk-squeeze/internal/config"
	apperrors "bulk-squeeze/internal/errors"
	"bulk-squeeze/internal/report"
	"bulk-squeeze/internal/statistics"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// multipartMemory is the part of an upload kept in memory before spilling
// to temporary files.
const multipartMemory = 32 << 20

type Server struct {
	cfg        *config.Config
	log        *logrus.Logger
	router     *mux.Router
	httpServer *http.Server
	wsUpgrader websocket.Upgrader
	wsClients  map[*websocket.Conn]bool
	wsMutex    sync.Mutex

	compressor compressor.Compressor
	packager   *bundle.Packager

	running atomic.Int32

	// Last sealed batch and its bundle
	operationMutex sync.RWMutex
	lastBatch      *compressor.Batch
	lastBundle     *bundle.Bundle
}

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// NewServer builds the HTTP front end. opts are passed to the orchestrator
// after the options derived from cfg.
func NewServer(cfg *config.Config, log *logrus.Logger, opts ...compressor.Option) (*Server, error) {
	policy, err := bundle.ParsePolicy(cfg.Bundle.CollisionPolicy)
	if err != nil {
		return nil, err
	}
	method, err := bundle.ParseMethod(cfg.Bundle.ZipMethod)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		log:       log,
		router:    mux.NewRouter(),
		wsClients: make(map[*websocket.Conn]bool),
		wsUpgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins in development
			},
		},
		packager: &bundle.Packager{Policy: policy, Method: method},
	}

	orchestratorOpts := append([]compressor.Option{
		compressor.WithWorkers(cfg.Processing.Workers),
		compressor.WithObserver(s.onBatchSealed),
	}, opts...)
	s.compressor = compressor.NewOrchestrator(log, orchestratorOpts...)

	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods("GET")
	api.HandleFunc("/compress", s.handleCompress).Methods("POST")
	api.HandleFunc("/batch", s.handleBatch).Methods("GET")
	api.HandleFunc("/batch/download", s.handleDownload).Methods("GET")

	s.router.HandleFunc("/ws", s.handleWebSocket)
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start(port int) error {
	addr := fmt.Sprintf(":%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  5 * time.Minute,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	s.log.Infof("Starting web server on http://localhost%s", addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.operationMutex.RLock()
	batch := s.lastBatch
	s.operationMutex.RUnlock()

	var batchData interface{}
	if batch != nil {
		batchData = batchSummary(batch)
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"running":    s.running.Load() > 0,
			"last_batch": batchData,
		},
	})
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes())
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.writeError(w, fmt.Sprintf("Invalid upload: %v", err), http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	knob := s.cfg.Quality
	if q := r.FormValue("quality"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil {
			s.writeError(w, "Quality must be an integer", http.StatusBadRequest)
			return
		}
		knob = v
	}

	images, err := readUploads(r.MultipartForm, s.packager.Policy)
	if err != nil {
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.running.Add(1)
	defer s.running.Add(-1)

	s.broadcastWSMessage("batch_started", map[string]interface{}{
		"files":   len(images),
		"quality": knob,
	})

	batch, err := s.compressor.RunBatch(r.Context(), images, knob)
	switch {
	case errors.Is(err, apperrors.ErrBatchSuperseded):
		s.broadcastWSMessage("batch_superseded", map[string]interface{}{
			"files":   len(images),
			"quality": knob,
		})
		s.writeError(w, err.Error(), http.StatusConflict)
		return
	case errors.Is(err, apperrors.ErrInvalidParameter):
		s.writeError(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		s.writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	b, err := s.packager.Package(batch)
	if err != nil {
		status := http.StatusInternalServerError
		if apperrors.IsCategory(err, apperrors.CategoryPackage) {
			status = http.StatusUnprocessableEntity
		}
		s.writeJSONStatus(w, status, APIResponse{
			Success: false,
			Error:   err.Error(),
			Data:    report.FromBatch(batch),
		})
		return
	}

	s.operationMutex.Lock()
	if s.lastBatch == batch {
		s.lastBundle = b
	}
	s.operationMutex.Unlock()

	s.writeBundle(w, b, batch.ID)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	s.operationMutex.RLock()
	batch := s.lastBatch
	s.operationMutex.RUnlock()

	if batch == nil {
		s.writeError(w, "No batch has completed yet", http.StatusNotFound)
		return
	}

	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"report":  report.FromBatch(batch),
			"summary": batch.Stats.GetSummary(),
		},
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.operationMutex.RLock()
	batch, b := s.lastBatch, s.lastBundle
	s.operationMutex.RUnlock()

	if batch == nil || b == nil {
		s.writeError(w, "No bundle available", http.StatusNotFound)
		return
	}
	s.writeBundle(w, b, batch.ID)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	s.wsMutex.Lock()
	s.wsClients[conn] = true
	s.wsMutex.Unlock()

	s.log.Debug("WebSocket client connected")

	defer func() {
		s.wsMutex.Lock()
		delete(s.wsClients, conn)
		s.wsMutex.Unlock()
		s.log.Debug("WebSocket client disconnected")
	}()

	// Keep connection alive
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

// onBatchSealed records the newest batch and notifies WebSocket clients.
func (s *Server) onBatchSealed(batch *compressor.Batch) {
	s.operationMutex.Lock()
	s.lastBatch = batch
	s.lastBundle = nil
	s.operationMutex.Unlock()

	s.broadcastWSMessage("batch_completed", batchSummary(batch))
}

func (s *Server) broadcastWSMessage(messageType string, data interface{}) {
	message := WSMessage{
		Type: messageType,
		Data: data,
	}

	msgBytes, err := json.Marshal(message)
	if err != nil {
		s.log.Errorf("Failed to marshal WebSocket message: %v", err)
		return
	}

	// Writes hold the lock: a websocket.Conn allows one writer at a time.
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()

	for conn := range s.wsClients {
		if err := conn.WriteMessage(websocket.TextMessage, msgBytes); err != nil {
			s.log.Errorf("Failed to write WebSocket message: %v", err)
			delete(s.wsClients, conn)
			conn.Close()
		}
	}
}

func (s *Server) clientCount() int {
	s.wsMutex.Lock()
	defer s.wsMutex.Unlock()
	return len(s.wsClients)
}

func (s *Server) writeBundle(w http.ResponseWriter, b *bundle.Bundle, batchID string) {
	w.Header().Set("Content-Type", b.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", b.Filename(s.cfg.Bundle.ArchiveName)))
	w.Header().Set("X-Batch-Id", batchID)
	if _, err := b.WriteTo(w); err != nil {
		s.log.WithError(err).WithField("batch", batchID).Error("Failed to write bundle")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, data interface{}) {
	s.writeJSONStatus(w, http.StatusOK, data)
}

func (s *Server) writeJSONStatus(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeError(w http.ResponseWriter, message string, statusCode int) {
	s.writeJSONStatus(w, statusCode, APIResponse{
		Success: false,
		Error:   message,
	})
}

func batchSummary(batch *compressor.Batch) map[string]interface{} {
	return map[string]interface{}{
		"batch_id":       batch.ID,
		"quality":        batch.Quality,
		"succeeded":      batch.Len(),
		"failed":         len(batch.Failures),
		"original_bytes": batch.TotalOriginalSize,
		"encoded_bytes":  batch.TotalEncodedSize,
		"saved":          statistics.FormatBytes(batch.TotalOriginalSize - batch.TotalEncodedSize),
		"percent_saved":  batch.PercentSaved,
	}
}

// readUploads turns the multipart "files" parts into input images. The
// declared format comes from the part's content type, else its extension.
// Under the suffix policy repeated filenames become name_N.ext; under reject
// they are left as is and the batch is refused.
func readUploads(form *multipart.Form, policy bundle.Policy) ([]compressor.InputImage, error) {
	var headers []*multipart.FileHeader
	headers = append(headers, form.File["files"]...)
	headers = append(headers, form.File["files[]"]...)
	if len(headers) == 0 {
		return nil, fmt.Errorf("no files uploaded")
	}

	images := make([]compressor.InputImage, 0, len(headers))
	taken := make(map[string]struct{}, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", fh.Filename, err)
		}

		format := codec.ParseFormat(fh.Header.Get("Content-Type"))
		if format == codec.FormatOther {
			format = codec.ParseFormat(path.Ext(fh.Filename))
		}
		name := bundle.CleanName(fh.Filename)
		if _, dup := taken[name]; dup && policy == bundle.PolicySuffix {
			name = bundle.UniqueName(name, taken)
		}
		taken[name] = struct{}{}

		images = append(images, compressor.InputImage{
			Identifier: name,
			Data:       data,
			Format:     format,
		})
	}
	return images, nil
}
