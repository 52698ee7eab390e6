package handlers

import "net/http"

type userProfile struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type authStatusResponse struct {
	Authenticated bool         `json:"authenticated"`
	User          *userProfile `json:"user"`
}

// AuthStatus reports whether the current session carries a logged-in user.
func AuthStatus(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		anon := authStatusResponse{}

		cookie, err := r.Cookie(d.Cfg.SessionCookieName)
		if err != nil || cookie.Value == "" {
			writeJSON(w, http.StatusOK, anon)
			return
		}
		rec, err := d.fetchSession(r.Context(), cookie.Value)
		if err != nil || !rec.Authenticated() {
			writeJSON(w, http.StatusOK, anon)
			return
		}

		writeJSON(w, http.StatusOK, authStatusResponse{
			Authenticated: true,
			User: &userProfile{
				ID:    rec.UserID,
				Email: rec.Email,
				Name:  rec.Name,
			},
		})
	}
}
