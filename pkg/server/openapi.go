package server

import (
	_ "embed"
	"net/http"

	"github.com/rs/zerolog"
)

// openAPIDocument is the API description served at /apidoc/openapi.json.
//
//go:embed openapi.json
var openAPIDocument []byte

func (s *Server) getOpenAPI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set(contentType, contentTypeJSON)

	if _, err := w.Write(openAPIDocument); err != nil {
		zerolog.Ctx(r.Context()).
			Error().
			Err(err).
			Msg("error writing the response")
	}
}
