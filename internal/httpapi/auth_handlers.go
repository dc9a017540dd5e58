package httpapi

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"w3bauth.org/internal/consent"
	"w3bauth.org/internal/obs"
)

type verifyRequest struct {
	Message   string        `json:"message"`
	Signature string        `json:"signature"`
	Data      consentChoice `json:"data"`
}

type consentChoice struct {
	ClientID  string   `json:"client_id"`
	Providers []string `json:"providers"`
}

type userClientResponse struct {
	Providers []string `json:"providers"`
}

func (a *API) handleApp(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	app, err := a.service.RequestApp(r.Context(), r.URL.Query().Get("clientId"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (a *API) handleNonce(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	nonce, err := a.service.IssueNonce()
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonce)
}

func (a *API) handleSignMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	challenge, err := a.service.RequestMessage(r.URL.Query().Get("address"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, challenge.Message)
}

func (a *API) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req verifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	_, err := a.service.SubmitProof(r.Context(), consent.Proof{
		Message:   req.Message,
		Signature: req.Signature,
		ClientID:  req.Data.ClientID,
		Providers: req.Data.Providers,
	})
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, true)
}

func (a *API) handleUserClient(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()
	rec, err := a.service.UserClient(r.Context(), q.Get("address"), q.Get("clientId"))
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, userClientResponse{Providers: rec.Providers})
}

// handleServiceError maps consent errors onto the wire. Unknown records are
// answered with a JSON null, as clients expect for optional lookups.
func handleServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, consent.ErrInvalidInput), errors.Is(err, consent.ErrSignature):
		writeError(w, r, http.StatusBadRequest, codeBadRequest, err.Error())
	case errors.Is(err, consent.ErrNotFound):
		writeJSON(w, http.StatusOK, nil)
	default:
		obs.Logger().Error("request failed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, r, http.StatusInternalServerError, codeInternal, "internal error")
	}
}
