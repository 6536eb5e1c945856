package http

import (
	"net/http"

	"github.com/gorilla/mux"
)

// RegisterMux binds gorilla/mux routes.
func (h *Handler) RegisterMux(r *mux.Router) {
	h.router = r
	r.HandleFunc(routeJobs, h.handleSubmit).Methods(http.MethodPost).Name(routeNameSubmit)
	r.HandleFunc(routeJobs, h.handleList).Methods(http.MethodGet).Name(routeNameList)
	r.HandleFunc(routeJobID, h.handleStatus).Methods(http.MethodGet).Name(routeNameStatus)
	r.HandleFunc(routeJobID, h.handleCancel).Methods(http.MethodDelete).Name(routeNameCancel)
}
