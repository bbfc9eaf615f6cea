package server

import (
	"net/http"

	"github.com/basket/runplane/internal/ui"
)

// uiHandler serves the embedded control-panel assets. The assets
// themselves are public; everything they fetch is behind session auth.
func (s *Server) uiHandler() http.Handler {
	return ui.Handler()
}
