package middleware

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// bufferedWriter holds the handler's response back until the payment has
// been settled.
type bufferedWriter struct {
	gin.ResponseWriter
	body     *bytes.Buffer
	status   int
	header   http.Header
	maxSize  int
	overflow bool
	written  bool
}

func newBufferedWriter(w gin.ResponseWriter, maxSize int) *bufferedWriter {
	return &bufferedWriter{
		ResponseWriter: w,
		body:           &bytes.Buffer{},
		status:         http.StatusOK,
		header:         make(http.Header),
		maxSize:        maxSize,
	}
}

func (w *bufferedWriter) Write(data []byte) (int, error) {
	w.written = true
	if w.overflow {
		return 0, fmt.Errorf("response exceeds max buffer size (%d bytes)", w.maxSize)
	}
	if w.maxSize > 0 && w.body.Len()+len(data) > w.maxSize {
		w.overflow = true
		return 0, fmt.Errorf("response exceeds max buffer size (%d bytes)", w.maxSize)
	}
	return w.body.Write(data)
}

func (w *bufferedWriter) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

func (w *bufferedWriter) WriteHeader(status int) {
	if status > 0 {
		w.status = status
	}
}

func (w *bufferedWriter) WriteHeaderNow() {
	w.written = true
}

func (w *bufferedWriter) Header() http.Header {
	return w.header
}

func (w *bufferedWriter) Status() int {
	return w.status
}

func (w *bufferedWriter) Size() int {
	if !w.written {
		return -1
	}
	return w.body.Len()
}

func (w *bufferedWriter) Written() bool {
	return w.written
}

// Flush is a no-op; streaming is not possible while the response is held.
func (w *bufferedWriter) Flush() {}

func (w *bufferedWriter) success() bool {
	return w.status >= 200 && w.status < 300
}

func (w *bufferedWriter) flush() error {
	// Copy buffered headers to real response
	for k, v := range w.header {
		for _, val := range v {
			w.ResponseWriter.Header().Add(k, val)
		}
	}
	// Write status and body
	w.ResponseWriter.WriteHeader(w.status)
	_, err := w.ResponseWriter.Write(w.body.Bytes())
	return err
}
