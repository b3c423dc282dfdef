package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/careslot/careslot/internal/appointment"
)

type RouterConfig struct {
	Handlers *Handlers
	PgPool   *pgxpool.Pool
	Redis    *redis.Client
	Logger   zerolog.Logger
	Env      string
	Version  string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(ActorMiddleware)

	// Health endpoints
	health := NewHealthHandler(cfg.PgPool, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	h := cfg.Handlers

	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", h.BookAppointment)
		r.Get("/", h.ListAppointments)
		r.Get("/stats", h.AppointmentStats)
		r.Get("/today", h.AppointmentsToday)
		r.Get("/{id}", h.GetAppointment)
		r.Post("/{id}/confirm", h.transitionHandler(appointment.StatusConfirmed))
		r.Post("/{id}/reject", h.transitionHandler(appointment.StatusRejected))
		r.Post("/{id}/cancel", h.transitionHandler(appointment.StatusCancelled))
		r.Post("/{id}/no-show", h.transitionHandler(appointment.StatusNoShow))
		r.Post("/{id}/reschedule", h.RescheduleAppointment)
		r.Post("/{id}/start", h.StartConsultation)
		r.Post("/{id}/end", h.EndConsultation)
	})

	r.Route("/doctors/{id}", func(r chi.Router) {
		r.Get("/available-slots", h.AvailableSlots)
		r.Get("/availability", h.ListAvailability)
		r.Put("/availability", h.SetAvailability)
		r.Delete("/availability/{ruleID}", h.DeactivateAvailability)
	})

	return r
}
