package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/codemug/certgate/pkg/delivery"
	"github.com/codemug/certgate/pkg/gate"
	"github.com/codemug/certgate/pkg/jobs"
	"github.com/codemug/certgate/pkg/metrics"
	"github.com/codemug/certgate/pkg/queue"
	"github.com/codemug/certgate/pkg/ratelimit"
	"github.com/golang/glog"
	"github.com/gorilla/mux"
)

type Server struct {
	Limiter   *ratelimit.Limiter
	Gate      gate.Gate
	Queue     *queue.Queue
	Ledger    *jobs.Ledger
	Deliverer *delivery.Deliverer
	Metrics   *metrics.Metrics
	// AcceptThreshold is the queue length from which the status endpoint
	// advertises that new work is not welcome.
	AcceptThreshold int
}

func GetRouter(s *Server) *mux.Router {
	router := mux.NewRouter()
	router.Use(recoverPanics)
	router.NotFoundHandler = http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writeContentType(writer)
		writeErrorResponse(errors.New("endpoint not found"), http.StatusNotFound, writer)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		writeContentType(writer)
		writeErrorResponse(errors.New("method not allowed"), http.StatusMethodNotAllowed, writer)
	})

	limit := s.Limiter.Middleware(ratelimit.ClientIP, s.rejectRate)
	router.Handle("/api/generate-certificate", limit(http.HandlerFunc(s.generate))).Methods(http.MethodPost)
	router.HandleFunc("/api/download-certificate/{id}", s.download).Methods(http.MethodGet)
	router.HandleFunc("/api/jobs/{id}", s.jobStatus).Methods(http.MethodGet)
	router.HandleFunc("/api/queue-status", s.queueStatus).Methods(http.MethodGet)
	router.HandleFunc("/api/health", health).Methods(http.MethodGet)
	router.Handle("/metrics", s.Metrics.Handler()).Methods(http.MethodGet)
	return router
}

func (s *Server) rejectRate(writer http.ResponseWriter, retryAfter time.Duration) {
	s.Metrics.Rejected("rate_limited")
	writer.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retryAfter.Seconds()))))
	writeContentType(writer)
	writeErrorResponse(jobs.ErrRateLimited, http.StatusTooManyRequests, writer)
}

func (s *Server) generate(writer http.ResponseWriter, request *http.Request) {
	writeContentType(writer)
	var body jobs.Request
	if err := json.NewDecoder(request.Body).Decode(&body); err != nil {
		glog.Error(err)
		s.Metrics.Rejected("invalid")
		writeErrorResponse(fmt.Errorf("%w: %v", jobs.ErrInvalidRequest, err), http.StatusBadRequest, writer)
		return
	}
	if err := body.Validate(); err != nil {
		s.Metrics.Rejected("invalid")
		writeErrorResponse(err, http.StatusBadRequest, writer)
		return
	}
	if err := s.Gate.Check(); err != nil {
		s.Metrics.Rejected("busy")
		writeErrorResponse(err, http.StatusServiceUnavailable, writer)
		return
	}

	id := jobs.NewId()
	outcome, err := s.Queue.Submit(queue.Job{Id: id, Request: body})
	if err != nil {
		s.Metrics.Rejected("shutting_down")
		writeErrorResponse(err, http.StatusServiceUnavailable, writer)
		return
	}
	if !outcome.Running {
		stats := s.Queue.Stats()
		writeJSON(writer, http.StatusAccepted, QueuedResponse{
			Queued:            true,
			Id:                id,
			Message:           "server is busy, your request has been queued",
			QueuePosition:     outcome.Position,
			EstimatedWaitTime: int(math.Ceil(outcome.EstimatedWait.Seconds())),
			CurrentProcessing: stats.Running,
			MaxConcurrent:     stats.MaxConcurrent,
		})
		return
	}

	files, err := outcome.Future.Wait(request.Context())
	if request.Context().Err() != nil {
		glog.Warningf("client went away while job %s was running, result kept for status lookup", id)
		return
	}
	if err != nil {
		writeJSON(writer, http.StatusInternalServerError, errorResponse{Id: id, Message: err.Error()})
		return
	}
	writeJSON(writer, http.StatusOK, GenerateResponse{
		Success: true,
		Id:      id,
		Message: "certificate generated",
		Files:   files,
	})
}

func (s *Server) jobStatus(writer http.ResponseWriter, request *http.Request) {
	writeContentType(writer)
	id := mux.Vars(request)["id"]
	if !jobs.ValidId(id) {
		writeErrorResponse(jobs.ErrInvalidID, http.StatusBadRequest, writer)
		return
	}
	record, ok := s.Ledger.Get(id)
	if !ok {
		writeErrorResponse(jobs.ErrNotFound, http.StatusNotFound, writer)
		return
	}
	status := JobStatus{Success: true, Record: record}
	if record.Status == jobs.Queued {
		status.QueuePosition, _ = s.Queue.Position(id)
	}
	writeJSON(writer, http.StatusOK, status)
}

func deliveryStatus(err error) (int, string) {
	switch {
	case errors.Is(err, jobs.ErrInvalidID):
		return http.StatusBadRequest, "invalid_id"
	case errors.Is(err, jobs.ErrStillProcessing):
		return http.StatusLocked, "still_processing"
	case errors.Is(err, jobs.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, jobs.ErrNoArtifacts):
		return http.StatusGone, "no_artifacts"
	default:
		return http.StatusInternalServerError, "error"
	}
}

func (s *Server) download(writer http.ResponseWriter, request *http.Request) {
	id := mux.Vars(request)["id"]
	glog.Infof("download requested for %s", id)
	if _, err := s.Deliverer.Prepare(id); err != nil {
		status, label := deliveryStatus(err)
		if status == http.StatusInternalServerError {
			glog.Error(err)
			err = errors.New("download failed")
		}
		s.Metrics.Delivered(label)
		writeContentType(writer)
		writeErrorResponse(err, status, writer)
		return
	}

	writer.Header().Set("Content-Type", "application/zip")
	writer.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=\"ssl-certificate-%s.zip\"", id))
	writer.Header().Set("Cache-Control", "no-cache")
	counter := &countingWriter{w: writer}
	if err := s.Deliverer.Stream(request.Context(), counter, id); err != nil {
		s.Metrics.Delivered("aborted")
		if counter.n == 0 && request.Context().Err() == nil {
			// Nothing reached the caller yet, so the failure can still be
			// reported. A directory removed since Prepare is a plain 404.
			status, _ := deliveryStatus(err)
			if status == http.StatusNotFound {
				err = jobs.ErrNotFound
			} else {
				glog.Errorf("failed to create archive for %s: %v", id, err)
				status, err = http.StatusInternalServerError, errors.New("failed to create zip archive")
			}
			writer.Header().Del("Content-Disposition")
			writer.Header().Del("Cache-Control")
			writeContentType(writer)
			writeErrorResponse(err, status, writer)
			return
		}
		glog.Warningf("download of %s aborted after %d bytes: %v", id, counter.n, err)
		return
	}
	s.Metrics.Delivered("ok")
	glog.Infof("download of %s complete (%d bytes)", id, counter.n)
}

func (s *Server) queueStatus(writer http.ResponseWriter, request *http.Request) {
	writeContentType(writer)
	stats := s.Queue.Stats()
	writeJSON(writer, http.StatusOK, QueueStatus{
		Success:              true,
		CurrentProcessing:    stats.Running,
		QueueLength:          stats.Queued,
		MaxConcurrent:        stats.MaxConcurrent,
		MaxRequestsPerMinute: s.Limiter.Ceiling(),
		MaxTempDirs:          s.Gate.Ceiling,
		IsAcceptingRequests:  stats.Running < stats.MaxConcurrent && stats.Queued < s.AcceptThreshold,
	})
}

func health(writer http.ResponseWriter, request *http.Request) {
	writeContentType(writer)
	writeJSON(writer, http.StatusOK, HealthResponse{
		Success:   true,
		Message:   "certificate generator is running",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func recoverPanics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		defer func() {
			if r := recover(); r != nil {
				glog.Errorf("panic serving %s %s: %v", request.Method, request.URL.Path, r)
				writeContentType(writer)
				writeErrorResponse(errors.New("internal server error"), http.StatusInternalServerError, writer)
			}
		}()
		next.ServeHTTP(writer, request)
	})
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

func writeJSON(writer http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		glog.Error(err)
		writer.WriteHeader(http.StatusInternalServerError)
		return
	}
	writer.WriteHeader(status)
	writer.Write(data)
}

func writeErrorResponse(err error, status int, writer http.ResponseWriter) {
	writeJSON(writer, status, errorResponse{Message: err.Error()})
}

func writeContentType(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
}
