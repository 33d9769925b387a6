package handlers

import (
	"net/http"

	"github.com/demardefrozen10/SENSE/pkg/gateway/apierror"
	"github.com/demardefrozen10/SENSE/pkg/gateway/mw"
)

type NotFoundHandler struct{}

func (h NotFoundHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	apierror.Write(w, reqID, apierror.NotFound("not found"), http.StatusNotFound)
}
