package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"

	"fingerauth/internal/imageio"
	"fingerauth/internal/pipeline"
	"fingerauth/internal/scan"
	"fingerauth/internal/storage"
)

// verifyRequest carries base64 image payloads. Reference and Template are
// alternatives.
type verifyRequest struct {
	Probe     []byte `json:"probe"`
	Reference []byte `json:"reference,omitempty"`
	Template  string `json:"template,omitempty"`
}

type enrollRequest struct {
	Subject string `json:"subject"`
}

type matchDirRequest struct {
	Dir string `json:"dir"`
}

type jobAccepted struct {
	JobID string `json:"job_id"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrMissingInput),
		errors.Is(err, scan.ErrMalformedScan),
		errors.Is(err, imageio.ErrUnsupportedSize),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrQueueFull), errors.Is(err, pipeline.ErrNoSensor):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

var errBadRequest = errors.New("bad request")

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func decodeImage(name string, data []byte) (*scan.Grid, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s image", pipeline.ErrMissingInput, name)
	}
	g, err := imageio.DecodeBytes(data, imageio.Options{})
	if err != nil {
		return nil, fmt.Errorf("%w: %s image: %v", errBadRequest, name, err)
	}
	return g, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentJobs(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(recs)
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(res)
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	infos, err := s.store.ListTemplates()
	if err != nil {
		writeError(w, err)
		return
	}
	if infos == nil {
		infos = []storage.TemplateInfo{}
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.store.DeleteTemplate(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// run submits job and waits for its result within the server timeout.
func (s *Server) run(w http.ResponseWriter, r *http.Request, job pipeline.Job) {
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	res, err := pipeline.Await(ctx, s.pipeline, job)
	if err == nil {
		err = res.Error
	}
	if err != nil {
		writeError(w, err)
		return
	}
	meta := res.Meta
	if meta == nil {
		meta = map[string]any{}
	}
	meta["job_id"] = job.ID
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	probe, err := decodeImage("probe", req.Probe)
	if err != nil {
		writeError(w, err)
		return
	}
	job := pipeline.Job{ID: s.newID("verify"), Type: pipeline.JobVerify, Probe: probe}
	if req.Template != "" {
		job.Options = map[string]any{"template": req.Template}
	} else {
		if job.Reference, err = decodeImage("reference", req.Reference); err != nil {
			writeError(w, err)
			return
		}
	}
	s.run(w, r, job)
}

func (s *Server) handleIdentify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	probe, err := decodeImage("probe", req.Probe)
	if err != nil {
		writeError(w, err)
		return
	}
	s.run(w, r, pipeline.Job{ID: s.newID("identify"), Type: pipeline.JobIdentify, Probe: probe})
}

// handleEnroll starts an enrollment and returns immediately; progress and
// the result arrive over /ws.
func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Subject == "" {
		writeError(w, fmt.Errorf("%w: subject", pipeline.ErrMissingInput))
		return
	}
	s.submit(w, pipeline.Job{ID: s.newID("enroll"), Type: pipeline.JobEnroll, Options: map[string]any{"subject": req.Subject}})
}

func (s *Server) handleMatchDir(w http.ResponseWriter, r *http.Request) {
	var req matchDirRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Dir == "" {
		writeError(w, fmt.Errorf("%w: dir", pipeline.ErrMissingInput))
		return
	}
	s.submit(w, pipeline.Job{ID: s.newID("match-dir"), Type: pipeline.JobMatchDir, InputPath: req.Dir})
}

func (s *Server) submit(w http.ResponseWriter, job pipeline.Job) {
	if err := s.pipeline.Submit(job); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, jobAccepted{JobID: job.ID})
}
