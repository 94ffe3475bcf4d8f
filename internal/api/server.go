package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	xerrors "ControlAgent/internal/errors"
	"ControlAgent/internal/observability/metrics"
	"ControlAgent/pkg/envelope"
	"ControlAgent/pkg/logger"
)

const (
	defaultMaxBodyBytes    = 64 << 20
	defaultShutdownTimeout = 5 * time.Second
	requestIDHeader        = "X-Request-ID"
)

// Ingester 执行建库流程。
type Ingester interface {
	Run(ctx context.Context, env envelope.Envelope) error
}

// Querier 执行对话流程。
type Querier interface {
	Run(ctx context.Context, env envelope.Envelope) (envelope.Envelope, error)
}

// Config 控制 HTTP 服务的行为。
type Config struct {
	Addr string
	// MaxBodyBytes 限制请求体大小，默认 64MiB。
	MaxBodyBytes int64
	// ExposeMetrics 为 true 时在同一端口挂载 /metrics。
	ExposeMetrics   bool
	ShutdownTimeout time.Duration
}

// Server 负责暴露 REST 接口，把加密信封交给对应的流程处理。
type Server struct {
	cfg    Config
	ingest Ingester
	query  Querier
	logger *slog.Logger
}

// NewServer 构造 API 服务实例。
func NewServer(cfg Config, ingest Ingester, query Querier) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	return &Server{cfg: cfg, ingest: ingest, query: query, logger: logger.Named("api")}
}

// Handler 返回挂载了全部路由与中间件的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST /createNewDatabase", s.instrument("create_database", http.HandlerFunc(s.handleCreateDatabase)))
	mux.Handle("POST /processMessage", s.instrument("process_message", http.HandlerFunc(s.handleProcessMessage)))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.cfg.ExposeMetrics {
		mux.Handle("GET /metrics", metrics.Handler())
	}
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", "addr", s.cfg.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleCreateDatabase(w http.ResponseWriter, r *http.Request) {
	env, err := s.decodeEnvelope(w, r)
	if err == nil {
		err = s.ingest.Run(r.Context(), env)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"Status": "ok"})
}

func (s *Server) handleProcessMessage(w http.ResponseWriter, r *http.Request) {
	env, err := s.decodeEnvelope(w, r)
	var out envelope.Envelope
	if err == nil {
		out, err = s.query.Run(r.Context(), env)
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"cipher_response": out.CipherData})
}

// decodeEnvelope 读取 {cipherData}。部分客户端会把整个请求体再编码成 JSON 字符串，这里一并接受。
func (s *Server) decodeEnvelope(w http.ResponseWriter, r *http.Request) (envelope.Envelope, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		return envelope.Envelope{}, xerrors.Wrap(xerrors.CodePayloadDecodeFailed, err, "读取请求体失败")
	}
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '"' {
		var inner string
		if err := json.Unmarshal(body, &inner); err != nil {
			return envelope.Envelope{}, xerrors.Wrap(xerrors.CodePayloadDecodeFailed, err, "")
		}
		body = []byte(inner)
	}
	var env envelope.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return envelope.Envelope{}, xerrors.Wrap(xerrors.CodePayloadDecodeFailed, err, "")
	}
	if env.CipherData == "" {
		return envelope.Envelope{}, xerrors.New(xerrors.CodePayloadDecodeFailed, "请求缺少 cipherData")
	}
	return env, nil
}

type errorBody struct {
	Error         string   `json:"error"`
	MissingFields []string `json:"missing_fields,omitempty"`
	InvalidFields []string `json:"invalid_fields,omitempty"`
}

// writeError 把错误码映射为响应体。响应只包含字段名与粗粒度状态，具体原因只写日志。
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := xerrors.HTTPStatusOf(err)
	log := logger.Component(r.Context(), "api")
	attrs := []any{"code", string(xerrors.CodeOf(err)), "status", status, "error", err}
	if status >= http.StatusInternalServerError {
		log.Error("请求处理失败", attrs...)
	} else {
		log.Warn("请求被拒绝", attrs...)
	}

	coded, _ := xerrors.From(err)
	switch xerrors.CodeOf(err) {
	case xerrors.CodeAuthenticationFailed:
		writeJSON(w, status, errorBody{Error: "Invalid credentials"})
	case xerrors.CodeValidationFailed:
		writeJSON(w, status, errorBody{Error: "missing or invalid fields", MissingFields: coded.Fields()})
	case xerrors.CodePayloadDecodeFailed:
		writeJSON(w, status, errorBody{Error: "malformed payload"})
	case xerrors.CodeSlotResolutionFailed:
		writeJSON(w, status, errorBody{Error: coded.Message(), InvalidFields: coded.Fields()})
	default:
		writeJSON(w, status, map[string]string{"Status": "Fail"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
