// Package ui embeds the static control panel served under /ui/. The page
// is a thin shell: it bootstraps a session from /auth/session, renders the
// /ui/data.json snapshot, and follows /events live.
package ui

import (
	"embed"
	"io/fs"
	"net/http"
)

//go:embed static
var static embed.FS

// Handler serves the embedded assets rooted at /ui/.
func Handler() http.Handler {
	sub, err := fs.Sub(static, "static")
	if err != nil {
		panic("ui: embedded assets missing: " + err.Error())
	}
	return http.StripPrefix("/ui/", http.FileServer(http.FS(sub)))
}
