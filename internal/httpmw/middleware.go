// Package httpmw holds the middleware every API request passes through:
// request ids, JSON access logs, panic recovery and CORS.
package httpmw

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BlackStone8960/codequest-backend/internal/apperr"
	"github.com/BlackStone8960/codequest-backend/internal/httpx"
)

type contextKey struct{}

// requestState is shared by every layer of one request. Inner handlers
// annotate it and WithAccessLog reads it after the response is written.
type requestState struct {
	id string

	mu     sync.Mutex
	userID string
}

func stateFrom(ctx context.Context) *requestState {
	if ctx == nil {
		return nil
	}
	st, _ := ctx.Value(contextKey{}).(*requestState)
	return st
}

// Chain wraps h so that the first middleware is the outermost.
func Chain(h http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	if h == nil {
		h = http.NotFoundHandler()
	}
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func RequestIDFromContext(ctx context.Context) string {
	if st := stateFrom(ctx); st != nil {
		return st.id
	}
	return ""
}

// SetUserID attaches the authenticated user to the request's access log line.
func SetUserID(ctx context.Context, userID string) {
	st := stateFrom(ctx)
	if st == nil {
		return
	}
	st.mu.Lock()
	st.userID = userID
	st.mu.Unlock()
}

func (st *requestState) user() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.userID
}

// WithRequestID must run before WithAccessLog so the log line carries the id.
// A client supplied X-Request-Id is reused when it looks sane.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if rid == "" || len(rid) > 128 {
			rid = newRequestID()
		}
		w.Header().Set("X-Request-Id", rid)
		ctx := context.WithValue(r.Context(), contextKey{}, &requestState{id: rid})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// WithRecover turns a panic into a 500 apperr response and logs the stack.
func WithRecover(logger *log.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				writeLine(logger, "error", "panic_recovered", map[string]any{
					"request_id": RequestIDFromContext(r.Context()),
					"method":     r.Method,
					"path":       r.URL.Path,
					"panic":      fmt.Sprint(rec),
					"stack":      string(debug.Stack()),
				})
				httpx.WriteError(w, nil, apperr.Internal(fmt.Errorf("panic: %v", rec)))
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// WithAccessLog writes one JSON line per request. 4xx responses log at warn,
// 5xx at error; the apperr kind and the authenticated user are included when
// the handlers reported them.
func WithAccessLog(logger *log.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = log.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st := stateFrom(r.Context())
			if st == nil {
				st = &requestState{}
				r = r.WithContext(context.WithValue(r.Context(), contextKey{}, st))
			}
			start := time.Now()
			rw := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)

			level := "info"
			switch {
			case rw.status >= 500:
				level = "error"
			case rw.status >= 400:
				level = "warn"
			}
			fields := map[string]any{
				"request_id":   st.id,
				"method":       r.Method,
				"path":         r.URL.Path,
				"status":       rw.status,
				"status_class": strconv.Itoa(rw.status/100) + "xx",
				"bytes":        rw.bytes,
				"duration_ms":  time.Since(start).Milliseconds(),
				"remote_ip":    remoteIP(r),
			}
			if uid := st.user(); uid != "" {
				fields["user_id"] = uid
			}
			if rw.kind != "" {
				fields["kind"] = rw.kind
			}
			writeLine(logger, level, "http_request", fields)
		})
	}
}

// WithCORS answers preflight requests and sets CORS headers for the listed
// origins. "*" allows any origin but never with credentials.
func WithCORS(origins []string) func(http.Handler) http.Handler {
	allowAll := false
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		switch o {
		case "":
		case "*":
			allowAll = true
		default:
			allowed[o] = true
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin != "" {
				w.Header().Add("Vary", "Origin")
				switch {
				case allowed[origin]:
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				case allowAll:
					w.Header().Set("Access-Control-Allow-Origin", "*")
				default:
					origin = ""
				}
			}
			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if origin != "" {
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-Id")
					w.Header().Set("Access-Control-Max-Age", "600")
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// responseRecorder captures what the access log needs. httpx.WriteError finds
// it through Unwrap and reports the apperr kind.
type responseRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
	kind   string
}

func (w *responseRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (w *responseRecorder) Write(p []byte) (int, error) {
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func (w *responseRecorder) RecordErrorKind(kind string) {
	w.kind = kind
}

func (w *responseRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func newRequestID() string {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return strconv.FormatInt(time.Now().UnixNano(), 36)
	}
	return hex.EncodeToString(b[:])
}

// remoteIP prefers the first X-Forwarded-For hop; the server is expected to
// run behind one reverse proxy.
func remoteIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func writeLine(logger *log.Logger, level, msg string, fields map[string]any) {
	fields["ts"] = time.Now().UTC().Format(time.RFC3339Nano)
	fields["level"] = level
	fields["msg"] = msg
	b, err := json.Marshal(fields)
	if err != nil {
		logger.Printf(`{"level":"error","msg":"log_marshal_failed","error":%q}`, err.Error())
		return
	}
	logger.Print(string(b))
}
