// Package api exposes the library over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"campus-library/library"
)

// Registry is where request metrics are registered and /metrics reads from.
type Registry interface {
	prometheus.Registerer
	prometheus.Gatherer
}

type handler struct {
	lm     *library.LibraryManager
	logger *zap.Logger
}

var jsonFieldNames sync.Once

// useJSONFieldNames makes binding errors report JSON names, not Go names.
func useJSONFieldNames() {
	jsonFieldNames.Do(func() {
		if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
			v.RegisterTagNameFunc(func(f reflect.StructField) string {
				name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
				if name == "-" {
					return ""
				}
				if name == "" {
					return f.Name
				}
				return name
			})
		}
	})
}

// NewRouter builds the gin engine with every route of the service.
func NewRouter(lm *library.LibraryManager, logger *zap.Logger, reg Registry) *gin.Engine {
	useJSONFieldNames()
	h := &handler{lm: lm, logger: logger}

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger), requestMetrics(reg))

	router.GET("/healthz", h.health)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	v1 := router.Group("/api/v1")
	admin := h.requireAdmin()
	{
		books := v1.Group("/books")
		{
			books.GET("", h.listBooks)
			books.GET("/:id", h.getBook)
			books.POST("/:id/reserve", h.reserveBook)
			books.POST("", admin, h.addBook)
			books.PATCH("/:id", admin, h.updateBook)
			books.DELETE("/:id", admin, h.deleteBook)
			books.POST("/:id/borrow", admin, h.borrowBook)
		}

		loans := v1.Group("/loans", admin)
		{
			loans.GET("/active", h.activeLoans)
			loans.GET("/history", h.loanHistory)
			loans.POST("/:id/return", h.returnBook)
		}

		reservations := v1.Group("/reservations", admin)
		{
			reservations.GET("", h.listReservations)
			reservations.POST("/:id/cancel", h.cancelReservation)
			reservations.POST("/:id/fulfill", h.fulfillReservation)
		}

		auth := v1.Group("/auth")
		{
			auth.POST("/phone", h.phoneLookup)
			auth.POST("/setup", h.setupAccount)
			auth.POST("/login", h.login)
			auth.POST("/logout", admin, h.logout)
			auth.GET("/session", admin, h.session)
		}

		v1.GET("/dashboard", admin, h.dashboard)

		notifications := v1.Group("/notifications", admin)
		{
			notifications.GET("", h.listNotifications)
			notifications.POST("/due-reminders", h.sendDueReminders)
			notifications.POST("/overdue-notices", h.sendOverdueNotices)
		}

		v1.POST("/maintenance/overdue-sweep", admin, h.overdueSweep)
	}
	return router
}

// Serve runs an HTTP server on addr until ctx is cancelled, then shuts it
// down gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, logger *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("http server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
