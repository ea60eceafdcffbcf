package http

import (
	"net/http"
	"time"

	"github.com/typequest/race-service/internal/service"
	httpmw "github.com/typequest/race-service/internal/transport/http/middleware"
	"github.com/typequest/race-service/internal/transport/ws"
	"github.com/typequest/race-service/pkg/httputil"

	"github.com/go-chi/chi/v5"
	middlewareChi "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

func NewRouter(h *Handler, auth httpmw.TokenAuthenticator, memberSvc *service.MemberService, wsServer *ws.Server, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middlewareChi.RequestID)
	r.Use(middlewareChi.RealIP)
	r.Use(middlewareChi.Recoverer)

	// WS endpoint stays outside the wrapping middleware: the upgrade needs
	// the raw ResponseWriter (Hijacker), which the logging wrapper hides.
	r.Get("/ws", wsServer.HandleWS)

	r.Group(func(pr chi.Router) {
		pr.Use(httputil.MiddlewareRequestID)
		pr.Use(httputil.MiddlewareLogging)
		pr.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			ExposedHeaders:   []string{"Link"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
		pr.Use(httpmw.AuthMiddleware(auth))
		pr.Use(middlewareChi.Timeout(30 * time.Second))

		pr.Route("/rooms", func(rm chi.Router) {
			rm.Post("/", h.CreateRoom)
			rm.Get("/", h.ListRooms)

			rm.Route("/{id}", func(rr chi.Router) {
				// {id} is resolved by the time subrouter middleware runs
				rr.Use(httpmw.HeartbeatMiddleware(memberSvc))
				rr.Get("/", h.GetRoom)
				rr.Delete("/", h.DeleteRoom)
				rr.Post("/join", h.JoinRoom)
				rr.Post("/leave", h.LeaveRoom)
				rr.Get("/participants", h.GetParticipants)
				rr.Get("/chat", h.GetChatHistory)
			})
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}
