package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/justapithecus/sluice/iox"
	"github.com/justapithecus/sluice/log"
	"github.com/justapithecus/sluice/metrics"
	"github.com/justapithecus/sluice/store"
	"github.com/justapithecus/sluice/types"
)

// ActionRequest is the /action body: a procedure name and its argument bag.
type ActionRequest struct {
	ProcedureID string          `json:"ProcedureID"`
	Arguments   json.RawMessage `json:"Arguments"`
}

// ActionResponse is the /action reply.
type ActionResponse struct {
	Success bool           `json:"Success"`
	Data    map[string]any `json:"Data,omitempty"`
	Message string         `json:"Message,omitempty"`
}

// ReturnRequest is the /return body carrying the user's return value.
type ReturnRequest struct {
	FunctionResult json.RawMessage `json:"FunctionResult"`
}

// ExitRequest is the /exit body carrying the user's terminal status.
type ExitRequest struct {
	Error   bool   `json:"Error"`
	Message string `json:"Message"`
}

// ResultResponse is the /get-return reply consumed by the scheduler.
type ResultResponse struct {
	FunctionResult any    `json:"FunctionResult"`
	Error          bool   `json:"Error"`
	Message        string `json:"Message,omitempty"`
}

// Terminal is the collected end state of the user function.
type Terminal struct {
	// Result is the decoded return value, nil when the function returned none.
	Result any
	// HasResult distinguishes "returned null" from "never returned".
	HasResult bool
	// Error reports whether the function (or a procedure) failed.
	Error bool
	// Message describes the failure, when any.
	Message string
}

// Server is the loopback RPC endpoint. It starts before the user function
// and is torn down after the terminal return/exit is posted.
type Server struct {
	registry  *Registry
	wf        *types.Workflow
	files     *store.Client
	logger    *log.Logger
	collector *metrics.Collector

	mu       sync.Mutex
	terminal Terminal

	httpServer *http.Server
	listener   net.Listener
}

// Option configures a Server.
type Option func(*Server)

// WithCollector attaches a metrics collector.
func WithCollector(collector *metrics.Collector) Option {
	return func(s *Server) { s.collector = collector }
}

// New creates a sidecar server with the fixed procedure set registered
// against the given store client and payload.
func New(wf *types.Workflow, files *store.Client, logger *log.Logger, opts ...Option) (*Server, error) {
	s := &Server{
		registry: NewRegistry(),
		wf:       wf,
		files:    files,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.registerProcedures(); err != nil {
		return nil, err
	}
	return s, nil
}

// registerProcedures installs the closed procedure set.
func (s *Server) registerProcedures() error {
	procedures := map[string]Handler{
		"faasr_log": func(ctx context.Context, args json.RawMessage) (map[string]any, error) {
			var req struct {
				LogMessage string `json:"log_message"`
			}
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			return nil, s.files.AppendLog(ctx, req.LogMessage)
		},
		"faasr_put_file": func(ctx context.Context, args json.RawMessage) (map[string]any, error) {
			var req store.FileRequest
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			return nil, s.files.PutFile(ctx, req)
		},
		"faasr_get_file": func(ctx context.Context, args json.RawMessage) (map[string]any, error) {
			var req store.FileRequest
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			return nil, s.files.GetFile(ctx, req)
		},
		"faasr_delete_file": func(ctx context.Context, args json.RawMessage) (map[string]any, error) {
			var req store.FileRequest
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			return nil, s.files.DeleteFile(ctx, req)
		},
		"faasr_get_folder_list": func(ctx context.Context, args json.RawMessage) (map[string]any, error) {
			var req struct {
				ServerName string `json:"server_name"`
				Prefix     string `json:"faasr_prefix"`
			}
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			list, err := s.files.FolderList(ctx, req.ServerName, req.Prefix)
			if err != nil {
				return nil, err
			}
			return map[string]any{"folder_list": list}, nil
		},
		"faasr_rank": func(ctx context.Context, args json.RawMessage) (map[string]any, error) {
			k, n, err := s.wf.CurrentRank()
			if err != nil {
				return nil, err
			}
			return map[string]any{"rank": fmt.Sprintf("%d/%d", k, n)}, nil
		},
		"faasr_get_s3_creds": func(ctx context.Context, args json.RawMessage) (map[string]any, error) {
			var req struct {
				ServerName string `json:"server_name"`
			}
			if err := decodeArgs(args, &req); err != nil {
				return nil, err
			}
			creds, err := s.wf.Credentials(req.ServerName)
			if err != nil {
				return nil, err
			}
			return map[string]any{"s3_creds": creds}, nil
		},
	}

	for name, handler := range procedures {
		if err := s.registry.Register(name, handler); err != nil {
			return err
		}
	}
	return nil
}

// decodeArgs unmarshals the argument bag. A missing bag decodes as empty.
func decodeArgs(args json.RawMessage, into any) error {
	if len(args) == 0 {
		return nil
	}
	if err := json.Unmarshal(args, into); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// Start binds the loopback listener and serves in the background. Callers
// poll the echo endpoint for readiness before handing control to the user
// process.
func (s *Server) Start(port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("sidecar: listen: %w", err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("sidecar server failed", map[string]any{"error": err.Error()})
		}
	}()
	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Terminal returns the collected end state of the user function.
func (s *Server) Terminal() Terminal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminal
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /action", s.handleAction)
	mux.HandleFunc("POST /return", s.handleReturn)
	mux.HandleFunc("POST /exit", s.handleExit)
	mux.HandleFunc("GET /get-return", s.handleGetReturn)
	mux.HandleFunc("GET /echo", s.handleEcho)
	return mux
}

// handleAction dispatches one procedure call. Unknown procedures and handler
// failures record the error state; the server keeps running because the user
// process may issue further calls.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var req ActionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ActionResponse{Success: false, Message: "invalid request body"})
		return
	}

	s.logger.Info("processing request", map[string]any{"procedure": req.ProcedureID})
	s.collector.IncRPCCall()

	data, err := s.registry.Dispatch(r.Context(), req.ProcedureID, req.Arguments)
	if err != nil {
		s.collector.IncRPCFailure()
		if errors.Is(err, ErrInvalidProcedure) {
			s.recordError(fmt.Sprintf("%s is not a valid procedure call", req.ProcedureID))
			writeJSON(w, http.StatusBadRequest, ActionResponse{Success: false, Message: err.Error()})
			return
		}

		message := fmt.Sprintf("failed to invoke %s -- %v", req.ProcedureID, err)
		s.files.Emit(r.Context(), "server", message)
		s.recordError(message)
		writeJSON(w, http.StatusOK, ActionResponse{Success: false, Message: message})
		return
	}

	writeJSON(w, http.StatusOK, ActionResponse{Success: true, Data: data})
}

// handleReturn records the user's return value.
func (s *Server) handleReturn(w http.ResponseWriter, r *http.Request) {
	var req ReturnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ActionResponse{Success: false, Message: "invalid request body"})
		return
	}

	var result any
	if len(req.FunctionResult) > 0 {
		if err := json.Unmarshal(req.FunctionResult, &result); err != nil {
			writeJSON(w, http.StatusBadRequest, ActionResponse{Success: false, Message: "invalid function result"})
			return
		}
	}

	s.mu.Lock()
	s.terminal.Result = result
	s.terminal.HasResult = true
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, ActionResponse{Success: true})
}

// handleExit records the user's terminal status.
func (s *Server) handleExit(w http.ResponseWriter, r *http.Request) {
	var req ExitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ActionResponse{Success: false, Message: "invalid request body"})
		return
	}

	if req.Error {
		s.recordError(req.Message)
	}
	writeJSON(w, http.StatusOK, ActionResponse{Success: true})
}

// handleGetReturn exposes the terminal state for the scheduler to consume.
func (s *Server) handleGetReturn(w http.ResponseWriter, r *http.Request) {
	terminal := s.Terminal()
	writeJSON(w, http.StatusOK, ResultResponse{
		FunctionResult: terminal.Result,
		Error:          terminal.Error,
		Message:        terminal.Message,
	})
}

// handleEcho is the readiness probe: it reflects the message query parameter.
func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": r.URL.Query().Get("message")})
}

func (s *Server) recordError(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminal.Error = true
	s.terminal.Message = message
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WaitReady polls the echo endpoint until the server answers, confirming the
// RPC surface is up before the user process starts.
func WaitReady(ctx context.Context, addr string) error {
	client := &http.Client{Timeout: time.Second}
	url := fmt.Sprintf("http://%s/echo?message=echo", addr)

	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err == nil {
			var body struct {
				Message string `json:"message"`
			}
			decodeErr := json.NewDecoder(resp.Body).Decode(&body)
			iox.DiscardClose(resp.Body)
			if decodeErr == nil && body.Message == "echo" {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}
