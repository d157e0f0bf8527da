package server

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"

	"github.com/wolfeidau/hash2torrent/store/metadb"
	"github.com/wolfeidau/hash2torrent/telemetry"
)

// exampleInfoHash is the info hash shown on the landing page.
const exampleInfoHash = "443c7602b4fde83d1154d6d9da48808418b181b6"

//go:embed templates/index.html
var templateFS embed.FS

var indexTemplate = template.Must(template.ParseFS(templateFS, "templates/index.html"))

type landingPage struct {
	Example string
	Recent  []metadb.TorrentEntry
}

// handleLanding renders the landing page with the most recently cached torrents.
func (s *Server) handleLanding(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "landing")
	telemetry.SetCacheResult(r, telemetry.CacheNA)

	page := landingPage{Example: exampleInfoHash}

	recent, err := s.cache.Recent(r.Context(), s.config.RecentLimit)
	if err != nil {
		s.logger.Warn("listing recent torrents failed", "error", err)
	}
	page.Recent = recent

	var buf bytes.Buffer
	if err := indexTemplate.Execute(&buf, page); err != nil {
		s.logger.Error("rendering landing page failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
