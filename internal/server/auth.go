package server

import (
	"net/http"
	"strings"

	"github.com/klppl/fedtrack/internal/apperr"
	"github.com/klppl/fedtrack/internal/db"
)

// TokenAuthenticator validates opaque bearer tokens against the kv store.
// Session issuance (JWT, browser cookies) belongs to the external auth
// collaborator; this is the minimal server-side validation half.
type TokenAuthenticator struct {
	Store *db.Store
}

// Authenticate resolves "Authorization: Bearer <token>" to a user.
func (t *TokenAuthenticator) Authenticate(r *http.Request) (*db.User, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return nil, apperr.New(apperr.AuthFailure, "missing bearer token")
	}
	token := strings.TrimPrefix(header, "Bearer ")

	userID, ok := t.Store.GetKV("token:" + token)
	if !ok {
		return nil, apperr.New(apperr.AuthFailure, "unknown token")
	}
	user, err := t.Store.GetUser(r.Context(), userID)
	if err != nil {
		return nil, apperr.Wrap(apperr.AuthFailure, "token user missing", err)
	}
	if !user.Enabled || user.Locked {
		return nil, apperr.New(apperr.AuthFailure, "account disabled")
	}
	return user, nil
}
