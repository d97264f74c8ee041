package httpapi

import (
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"inferd/internal/frontend"
	"inferd/internal/stream"
	"inferd/pkg/types"
)

// NewMux builds the full HTTP surface: the inference endpoints
// (/infer, /infer_stream, /models, /status, /metrics, /health) plus a
// Prometheus scrape endpoint and, when built with -tags=swagger, the
// generated API docs.
func NewMux(f *frontend.Frontend) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}

	r.Post("/infer", handleInfer(f))
	r.Post("/infer_stream", handleInferStream(f))
	r.Get("/models", handleModels(f))
	r.Get("/status", handleStatus(f))
	r.Get("/metrics", handleMetrics(f))
	r.Get("/metrics/prom", promhttp.Handler().ServeHTTP)
	r.Get("/health", handleHealth(f))
	MountSwagger(r)

	return r
}

// decodeInferRequest applies the shared body-size cap and content-type
// check used by both /infer and /infer_stream.
func decodeInferRequest(w http.ResponseWriter, r *http.Request) (types.InferHTTPRequest, bool) {
	ct := r.Header.Get("Content-Type")
	if ct != "" && !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return types.InferHTTPRequest{}, false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	var req types.InferHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return types.InferHTTPRequest{}, false
	}
	return req, true
}

// handleInfer implements the non-streaming aggregate endpoint: it drains the
// whole Token Stream internally and returns every token in one JSON body.
//
// @Summary      Run inference, buffered
// @Accept       json
// @Produce      json
// @Success      200 {object} types.InferHTTPResponse
// @Failure      400 {object} types.ErrorResponse
// @Router       /infer [post]
func handleInfer(f *frontend.Frontend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpReq, ok := decodeInferRequest(w, r)
		if !ok {
			return
		}
		lvl := requestLogLevel(r)
		start := time.Now()

		joinedCtx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()

		req, s, err := f.Submit(joinedCtx, httpReq, r.RemoteAddr)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		tokens := make([]types.StreamToken, 0, 16)
		for tok := range s.Drain() {
			tokens = append(tokens, tok)
		}
		reason, errMsg := s.CloseReason()

		resp := types.InferHTTPResponse{
			RequestID:        req.ID,
			Tokens:           make([]types.TokenHTTP, 0, len(tokens)),
			CompletionReason: string(completionReasonFor(reason)),
		}
		for _, tok := range tokens {
			th := types.TokenHTTP{Token: tok.Token, TokenID: tok.TokenID, End: tok.End}
			if tok.HasLogProb {
				lp := tok.LogProb
				th.LogProb = &lp
			}
			resp.Tokens = append(resp.Tokens, th)
		}
		if errMsg != "" {
			resp.Error = errMsg
		}

		status := http.StatusOK
		if reason == stream.ReasonError {
			status = http.StatusInternalServerError
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			log.Printf("infer: failed to encode response: %v", err)
		}
		if lvl >= LevelInfo {
			logInferEnd(r, lvl, status, start, nil)
			if errMsg != "" && lvl >= LevelDebug {
				log.Printf("infer request_id=%s closed reason=%s err=%s", req.ID, reason, errMsg)
			}
		}
	}
}

// handleInferStream implements the streaming endpoint: each produced token
// is written as one NDJSON line, terminated by a line carrying "end": true
// and the completion reason.
//
// @Summary      Run inference, streamed
// @Accept       json
// @Produce      json
// @Success      200 {string} string "newline-delimited JSON"
// @Router       /infer_stream [post]
func handleInferStream(f *frontend.Frontend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpReq, ok := decodeInferRequest(w, r)
		if !ok {
			return
		}
		lvl := requestLogLevel(r)
		start := time.Now()

		joinedCtx, cancel := joinContexts(serverBaseCtx, r.Context())
		defer cancel()

		req, s, err := f.Submit(joinedCtx, httpReq, r.RemoteAddr)
		if err != nil {
			writeDomainError(w, err)
			return
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Header().Set("X-Request-Id", req.ID)
		var flusher http.Flusher
		if fl, ok := w.(http.Flusher); ok {
			flusher = fl
		}

		var writer io.Writer = w
		if lvl >= LevelDebug {
			writer = io.MultiWriter(w, &loggingLineWriter{})
		}

		enc := json.NewEncoder(writer)
		for tok := range s.Drain() {
			th := types.TokenHTTP{Token: tok.Token, TokenID: tok.TokenID}
			if tok.HasLogProb {
				lp := tok.LogProb
				th.LogProb = &lp
			}
			if err := enc.Encode(th); err != nil {
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		reason, _ := s.CloseReason()
		_ = enc.Encode(map[string]any{"end": true, "completion_reason": completionReasonFor(reason)})
		if flusher != nil {
			flusher.Flush()
		}
		if lvl >= LevelInfo {
			logInferEnd(r, lvl, 200, start, nil)
		}
	}
}

func handleModels(f *frontend.Frontend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(types.ModelsResponse{Models: f.ListModels()})
	}
}

func handleStatus(f *frontend.Frontend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(f.Status())
	}
}

func handleMetrics(f *frontend.Frontend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(f.MetricsSnapshot())
	}
}

func handleHealth(f *frontend.Frontend) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h := f.Health()
		w.Header().Set("Content-Type", "application/json")
		if h.Draining {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	}
}

// completionReasonFor maps a Token Stream's close reason to the wire-level
// completion reason vocabulary.
func completionReasonFor(r stream.Reason) types.CompletionReason {
	switch r {
	case stream.ReasonEndOfStream:
		return types.ReasonDone
	case stream.ReasonTimeout:
		return types.ReasonTimeout
	case stream.ReasonError:
		return types.ReasonError
	case stream.ReasonIdle:
		return types.ReasonIdle
	case stream.ReasonSlowConsumer:
		return types.ReasonSlowConsumer
	case stream.ReasonCancelled:
		return types.ReasonCancelled
	default:
		return types.ReasonDone
	}
}

func logInferEnd(r *http.Request, lvl LogLevel, status int, start time.Time, err error) {
	if lvl < LevelInfo {
		return
	}
	if zlog != nil {
		z := zlog.Info().Int("status", status).Dur("dur", time.Since(start))
		if rid := middleware.GetReqID(r.Context()); rid != "" {
			z = z.Str("request_id", rid)
		}
		if err != nil {
			z = z.Err(err)
		}
		z.Msg("infer")
		return
	}
	log.Printf("infer status=%d dur=%s err=%v", status, time.Since(start), err)
}
