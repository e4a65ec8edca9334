package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterDeps bundles everything the router mounts.
type RouterDeps struct {
	Auth        *AuthHandler
	Sessions    *SessionHandler
	MFA         *MFAHandler
	EmailChange *EmailChangeHandler
	SessionMW   *SessionMiddleware
	Csrf        *CsrfGuard
	Health      http.HandlerFunc
}

// NewRouter wires the HTTP surface. CSRF validation sits in front of
// session authentication on every mutating route, so a cross-site request
// is rejected before it can probe anything behind auth.
func NewRouter(deps RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", deps.Health)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(deps.Csrf.Issue)
		r.Use(deps.Csrf.Validate)

		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", deps.Auth.Register)
			r.Post("/login", deps.Auth.Login)
			// Step-up and logout accept pending sessions; the handlers
			// resolve the token themselves.
			r.Post("/step-up", deps.Auth.StepUp)
			r.Post("/logout", deps.Auth.Logout)
		})

		// Token-credentialed email-change endpoints; no session needed.
		// Verify and cancel also answer GET so the mailed links work from
		// a plain mail client: the 256-bit token is the credential, and a
		// top-level navigation still carries the Lax session cookie, so
		// verify can keep the acting device signed in.
		r.Route("/email-change", func(r chi.Router) {
			r.Get("/preview", deps.EmailChange.Preview)
			r.Get("/verify", deps.EmailChange.Verify)
			r.Post("/verify", deps.EmailChange.Verify)
			r.Get("/cancel", deps.EmailChange.Cancel)
			r.Post("/cancel", deps.EmailChange.Cancel)
		})

		// Everything below needs a full (step-up complete) session.
		r.Group(func(r chi.Router) {
			r.Use(deps.SessionMW.Authenticate)
			r.Use(deps.SessionMW.RequireFull)

			r.Route("/sessions", func(r chi.Router) {
				r.Get("/", deps.Sessions.List)
				r.Delete("/{sessionID}", deps.Sessions.Revoke)
				r.Post("/revoke-others", deps.Sessions.RevokeOthers)
			})

			r.Route("/mfa", func(r chi.Router) {
				r.Post("/totp/enroll", deps.MFA.EnrollTOTP)
				r.Post("/totp/activate", deps.MFA.ActivateTOTP)
				r.Post("/totp/disable", deps.MFA.DisableTOTP)
				r.Post("/backup-codes", deps.MFA.GenerateBackupCodes)
				r.Get("/backup-codes/count", deps.MFA.CountBackupCodes)
			})

			r.Post("/account/email-change", deps.EmailChange.Request)
		})
	})

	return r
}
