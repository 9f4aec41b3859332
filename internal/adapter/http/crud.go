package http

import (
	"context"
	"net/http"
)

// listHandler serves a whole collection as a JSON array. A nil slice is sent as [].
func listHandler[T any](list func(context.Context) ([]T, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		items, err := list(r.Context())
		if err != nil {
			writeInternalError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, append([]T{}, items...))
	}
}

// createHandler decodes Req, calls create and answers 201 with its result.
// Domain errors map through writeDomainError with notFound as the 404 text.
func createHandler[Req, Res any](notFound string, create func(context.Context, *Req) (*Res, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := readJSON[Req](w, r)
		if !ok {
			return
		}
		res, err := create(r.Context(), &req)
		if err != nil {
			writeDomainError(w, err, notFound)
			return
		}
		writeJSON(w, http.StatusCreated, res)
	}
}
