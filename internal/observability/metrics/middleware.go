package metrics

import (
	"bufio"
	"net"
	"net/http"
	"time"
)

// ResponseRecorder remembers the status and body size written through it.
// A hijacked connection (the log websocket) is reported as 101.
type ResponseRecorder struct {
	http.ResponseWriter
	status   int
	bytes    int64
	hijacked bool
}

func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (rr *ResponseRecorder) Status() int {
	if rr.hijacked {
		return http.StatusSwitchingProtocols
	}
	return rr.status
}

// BytesWritten counts body bytes only.
func (rr *ResponseRecorder) BytesWritten() int64 {
	return rr.bytes
}

func (rr *ResponseRecorder) Hijacked() bool {
	return rr.hijacked
}

func (rr *ResponseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *ResponseRecorder) Write(p []byte) (int, error) {
	n, err := rr.ResponseWriter.Write(p)
	rr.bytes += int64(n)
	return n, err
}

func (rr *ResponseRecorder) Flush() {
	if flusher, ok := rr.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (rr *ResponseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := rr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, http.ErrNotSupported
	}
	conn, rw, err := hijacker.Hijack()
	if err == nil {
		rr.hijacked = true
	}
	return conn, rw, err
}

func (rr *ResponseRecorder) Unwrap() http.ResponseWriter {
	return rr.ResponseWriter
}

// HTTPMiddleware counts requests on recorder, or on Default when nil. The
// path label is normalised so identity names and broadcast ids collapse.
func HTTPMiddleware(recorder *Recorder, next http.Handler) http.Handler {
	if recorder == nil {
		recorder = Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rr, ok := w.(*ResponseRecorder)
		if !ok {
			rr = NewResponseRecorder(w)
		}
		start := time.Now()
		next.ServeHTTP(rr, r)
		recorder.ObserveRequest(r.Method, r.URL.Path, rr.Status(), time.Since(start))
	})
}
