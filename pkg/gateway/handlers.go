package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	log "github.com/charmbracelet/log"
	"github.com/lkarlslund/copilotbridge/pkg/assets"
	"github.com/lkarlslund/copilotbridge/pkg/credential"
	"github.com/lkarlslund/copilotbridge/pkg/observability"
	"github.com/lkarlslund/copilotbridge/pkg/stream"
	"github.com/lkarlslund/copilotbridge/pkg/upstream"
	"github.com/lkarlslund/copilotbridge/pkg/version"
)

const (
	requestBodyMaxBytes  = 8 << 20
	responseBodyMaxBytes = 32 << 20
)

// credentialFromRequest returns the bearer credential. supplied is false when
// no bearer Authorization header was sent at all. A bare "Bearer" counts as
// supplied with an empty credential.
func credentialFromRequest(r *http.Request) (cred string, supplied bool) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	scheme, rest, _ := strings.Cut(auth, " ")
	if !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	return strings.TrimSpace(rest), true
}

func (s *Server) obtainToken(ctx context.Context, r *http.Request) (string, error) {
	cred, supplied := credentialFromRequest(r)
	if supplied && cred == "" {
		return "", credential.ErrMissingCredential
	}
	return s.broker.Obtain(ctx, cred)
}

func readJSONBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, requestBodyMaxBytes))
	if err != nil {
		return nil, fmt.Errorf("read request body: %w", err)
	}
	if !json.Valid(body) {
		return nil, errors.New("request body is not valid JSON")
	}
	return body, nil
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.writeLanding(w)
		return
	case http.MethodPost:
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	token, err := s.obtainToken(r.Context(), r)
	if err != nil {
		writeCredentialError(w, err)
		return
	}
	raw, err := readJSONBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	req := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be a JSON object")
		return
	}

	model, _ := req["model"].(string)
	if strings.TrimSpace(model) == "" {
		model = s.cfg.Credentials.DefaultModel
		req["model"] = model
	}
	wantStream, _ := req["stream"].(bool)
	reasoning := stream.IsReasoningModel(model, s.cfg.Credentials.ReasoningModelPrefixes)
	if reasoning {
		req["stream"] = false
	}
	payload, err := json.Marshal(req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode upstream request: "+err.Error())
		return
	}

	resp, err := s.upstream.Do(r.Context(), upstream.KindChat, token, payload)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	defer resp.Body.Close()

	switch {
	case reasoning:
		s.writeSynthesized(w, resp, model)
	case wantStream:
		s.writeStream(w, r, resp, model)
	default:
		copyResponse(w, resp, "application/json")
	}
}

func (s *Server) writeSynthesized(w http.ResponseWriter, resp *http.Response, model string) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, responseBodyMaxBytes))
	if err != nil {
		writeError(w, http.StatusBadGateway, "read upstream response: "+err.Error())
		return
	}
	event, err := stream.SynthesizeEvent(body, model, s.now(), s.ids)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "unable to parse upstream response JSON: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", stream.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(event)
}

func (s *Server) writeStream(w http.ResponseWriter, r *http.Request, resp *http.Response, model string) {
	h := w.Header()
	h.Set("Content-Type", stream.ContentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	observability.ActiveStreams.Inc()
	defer observability.ActiveStreams.Dec()
	t := &stream.Transformer{Model: model, Now: s.now, IDs: s.ids}
	res, err := t.Run(r.Context(), resp.Body, w)
	switch {
	case err == nil:
		log.Debug("stream finished", "model", model, "frames", res.Frames, "malformed", res.Malformed, "done", res.Done)
	case errors.Is(err, context.Canceled):
		log.Debug("stream cancelled by client", "model", model, "frames", res.Frames)
	default:
		log.Warn("stream aborted", "model", model, "frames", res.Frames, "error", err)
	}
}

func copyResponse(w http.ResponseWriter, resp *http.Response, fallbackContentType string) {
	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = fallbackContentType
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.Debug("copy upstream response", "error", err)
	}
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	token, err := s.obtainToken(r.Context(), r)
	if err != nil {
		writeCredentialError(w, err)
		return
	}
	body, err := readJSONBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	resp, err := s.upstream.Do(r.Context(), upstream.KindEmbeddings, token, body)
	if err != nil {
		writeUpstreamError(w, err)
		return
	}
	defer resp.Body.Close()
	copyResponse(w, resp, "application/json; charset=utf-8")
}

// handleModels serves the live provider list when the caller's credential
// yields a token and the static catalog otherwise.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	list := s.catalog.Static()
	if r.Header.Get("Authorization") != "" {
		token, err := s.obtainToken(r.Context(), r)
		if err != nil {
			log.Debug("serving static model catalog", "reason", err)
		} else {
			list = s.catalog.Live(r.Context(), token)
		}
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) writeLanding(w http.ResponseWriter) {
	page := assets.LandingPage{
		Title:     "Welcome to API",
		Endpoints: []string{pathChat, pathEmbeddings, pathModels},
		Version:   version.String(),
	}
	var buf bytes.Buffer
	if err := s.landing.ExecuteTemplate(&buf, "landing", page); err != nil {
		writeError(w, http.StatusInternalServerError, "render landing page: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"version":           version.Current(),
		"known_credentials": s.broker.Known(),
	})
}
