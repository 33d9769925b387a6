package handlers

import (
	"net/http"
	"strconv"

	"github.com/demardefrozen10/SENSE/pkg/dispatch/tts"
)

// AudioHandler serves the last synthesized alert, or 204 before there is one.
type AudioHandler struct {
	Latest func() (tts.Audio, bool)
}

func (h AudioHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !allowGET(w, r) {
		return
	}
	var (
		audio tts.Audio
		ok    bool
	)
	if h.Latest != nil {
		audio, ok = h.Latest()
	}
	if !ok || len(audio.Data) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(audio.Data)))
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Voice-Prompt", audio.Prompt)
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	_, _ = w.Write(audio.Data)
}
