package metrics

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// ResponseRecorder wraps an http.ResponseWriter to capture the final status
// code and body size while preserving optional interfaces like Hijacker and
// Flusher.
type ResponseRecorder struct {
	http.ResponseWriter
	status      int
	written     int64
	wroteHeader bool
}

// NewResponseRecorder constructs a ResponseRecorder defaulting the status code
// to 200 OK when WriteHeader is not invoked by the handler.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, status: http.StatusOK}
}

// Status exposes the status code written to the response.
func (rr *ResponseRecorder) Status() int {
	return rr.status
}

// BytesWritten reports how many body bytes went through the recorder.
func (rr *ResponseRecorder) BytesWritten() int64 {
	return rr.written
}

// WriteHeader captures the first status code before delegating.
func (rr *ResponseRecorder) WriteHeader(status int) {
	if !rr.wroteHeader {
		rr.status = status
		rr.wroteHeader = true
	}
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *ResponseRecorder) Write(p []byte) (int, error) {
	rr.wroteHeader = true
	n, err := rr.ResponseWriter.Write(p)
	rr.written += int64(n)
	return n, err
}

// Flush flushes the response when supported by the underlying writer.
func (rr *ResponseRecorder) Flush() {
	if flusher, ok := rr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack preserves HTTP/1.1 connection hijacking when available.
func (rr *ResponseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hijacker, ok := rr.ResponseWriter.(http.Hijacker); ok {
		return hijacker.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// Push forwards HTTP/2 server push support to the underlying writer.
func (rr *ResponseRecorder) Push(target string, opts *http.PushOptions) error {
	if pusher, ok := rr.ResponseWriter.(http.Pusher); ok {
		return pusher.Push(target, opts)
	}
	return http.ErrNotSupported
}

// ReadFrom streams file bodies efficiently when supported by the underlying
// writer.
func (rr *ResponseRecorder) ReadFrom(r io.Reader) (int64, error) {
	rr.wroteHeader = true
	var (
		n   int64
		err error
	)
	if readerFrom, ok := rr.ResponseWriter.(io.ReaderFrom); ok {
		n, err = readerFrom.ReadFrom(r)
	} else {
		n, err = io.Copy(rr.ResponseWriter, r)
	}
	rr.written += n
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rr *ResponseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// RoutePattern returns the chi route pattern matched for r, or "" when the
// request was not routed through chi. Call it after the handler has run.
func RoutePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return ""
	}
	return rctx.RoutePattern()
}

// HTTPMiddleware records request metrics around the provided handler using the
// supplied recorder (falling back to metrics.Default when nil).
func HTTPMiddleware(recorder *Recorder) func(http.Handler) http.Handler {
	rec := recorder
	if rec == nil {
		rec = Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rr := NewResponseRecorder(w)
			start := time.Now()
			next.ServeHTTP(rr, r)
			rec.ObserveRequest(r.Method, RoutePattern(r), rr.Status(), time.Since(start))
		})
	}
}
