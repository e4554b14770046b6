package streamengine

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
)

// requestLog captures one attempt's diagnostics to <requestId>.jsonl:
// first line metadata, subsequent lines raw chunks. Capture is
// best-effort — a failed write is logged, never fatal, since the log
// exists for diagnostics and context analysis only.
type requestLog struct {
	file   *os.File
	chunks []Chunk
}

func openRequestLog(dir, requestID string) *requestLog {
	if dir == "" {
		return &requestLog{}
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("request log dir unavailable")
		return &requestLog{}
	}
	f, err := os.OpenFile(filepath.Join(dir, requestID+".jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		log.Warn().Err(err).Str("requestId", requestID).Msg("request log open failed")
		return &requestLog{}
	}
	return &requestLog{file: f}
}

func (r *requestLog) chunk(c Chunk) {
	if r.file == nil {
		return
	}
	r.chunks = append(r.chunks, c)
}

// finish writes the metadata line followed by the buffered chunks, then
// closes the file. Metadata leads the file so readers can key on it
// without scanning.
func (r *requestLog) finish(res Result) {
	if r.file == nil {
		return
	}
	defer r.file.Close()

	meta := map[string]any{
		"request":  map[string]any{"requestId": res.RequestID, "retryAttempt": res.RetryAttempt, "maxRetries": res.MaxRetries},
		"response": res.Response,
		"model":    res.Model,
		"prompt":   res.Prompt,
		"tools":    res.Tools,
	}
	if res.Err != nil {
		meta["error"] = res.Err.Error()
	}

	enc := json.NewEncoder(r.file)
	if err := enc.Encode(meta); err != nil {
		log.Warn().Err(err).Str("requestId", res.RequestID).Msg("request log metadata write failed")
		return
	}
	for _, c := range r.chunks {
		if err := enc.Encode(c); err != nil {
			log.Warn().Err(err).Str("requestId", res.RequestID).Msg("request log chunk write failed")
			return
		}
	}
}
