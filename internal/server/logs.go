package server

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/loykin/supervisr/internal/logger"
	"github.com/loykin/supervisr/internal/service"
)

const defaultLogTail = 10

// flushWriter pushes every write to the client so followed output is not
// held back by buffering.
type flushWriter struct {
	w gin.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	f.w.Flush()
	return n, err
}

// handleLogs lists the output files of a service. With ?tail=N or
// ?follow=true it returns the last lines of one stream (?stream=stderr,
// stdout by default) as text, and with follow keeps streaming new output
// until the client goes away.
func (r *Router) handleLogs(c *gin.Context) {
	if r.logs == nil {
		writeJSON(c, http.StatusNotFound, errorResp{Error: "service output is not written to files"})
		return
	}
	name, ok := r.serviceName(c)
	if !ok {
		return
	}
	if !service.IsValidName(name) {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: fmt.Sprintf("invalid service name %q", name)})
		return
	}
	cfg := r.logs(name)
	tailQ, followQ := c.Query("tail"), c.Query("follow")
	if tailQ == "" && followQ == "" {
		files, err := cfg.Files(name)
		if err != nil {
			writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
			return
		}
		if files == nil {
			files = []logger.LogFile{}
		}
		writeJSON(c, http.StatusOK, files)
		return
	}

	stream, err := logger.ParseStream(c.Query("stream"))
	if err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: err.Error()})
		return
	}
	n := defaultLogTail
	if tailQ != "" {
		if n, err = strconv.Atoi(tailQ); err != nil || n < 0 {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid tail " + tailQ})
			return
		}
	}
	follow := false
	if followQ != "" {
		if follow, err = strconv.ParseBool(followQ); err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid follow " + followQ})
			return
		}
	}
	path := cfg.Path(name, stream)
	if path == "" {
		writeJSON(c, http.StatusNotFound, errorResp{Error: fmt.Sprintf("%s of %s is not written to a file", stream, name)})
		return
	}

	all, err := cfg.Files(name)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	var files []logger.LogFile
	for _, f := range all {
		if f.Stream == stream {
			files = append(files, f)
		}
	}
	lines, offset, err := logger.Tail(files, n)
	if err != nil {
		writeJSON(c, http.StatusInternalServerError, errorResp{Error: err.Error()})
		return
	}
	if len(files) == 0 || !files[len(files)-1].Current {
		offset = 0
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Status(http.StatusOK)
	for _, l := range lines {
		_, _ = c.Writer.WriteString(l + "\n")
	}
	if !follow {
		return
	}
	c.Writer.Flush()
	if err := logger.Follow(c.Request.Context(), path, offset, flushWriter{w: c.Writer}); err != nil {
		r.logger.Warn("log follow ended", "name", name, "stream", stream, "error", err)
	}
}
