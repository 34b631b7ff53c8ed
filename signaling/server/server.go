/*
 * Copyright 2017 Kopano and its licensors
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License, version 3,
 * as published by the Free Software Foundation.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package server

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	metrics "github.com/longsleep/go-metrics/loggedwriter"
	"github.com/longsleep/go-metrics/timing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"

	"stash.kopano.io/kwm/kwmclient/signaling"
	api "stash.kopano.io/kwm/kwmclient/signaling/api-v1"
	"stash.kopano.io/kwm/kwmclient/signaling/auth"
	"stash.kopano.io/kwm/kwmclient/signaling/call"
	"stash.kopano.io/kwm/kwmclient/signaling/connection"
)

// URIPrefix defines the URL prefix used for control API requests.
const URIPrefix = "/api/v1"

// A Connection is the realtime link whose status is reported.
type Connection interface {
	State() connection.State
	ReconnectAttempts() int
	Close() error
	NumActive() uint64
}

// A CallController is the call session controlled by the API.
type CallController interface {
	MakeCall(target *api.User) error
	AcceptCall() error
	RejectCall(reason string)
	EndCall(reason string)
	ToggleMicrophone() bool
	ToggleSpeaker() bool
	State() call.State
	NumActive() uint64
}

// Config bundles the settings of a Server.
type Config struct {
	Logger logrus.FieldLogger

	ListenAddr         string
	CORSAllowedOrigins []string

	WithMetrics bool
	Gatherer    prometheus.Gatherer

	// Control protects the control API when set.
	Control *auth.ControlSigner

	Connection Connection
	Call       CallController
	Messenger  Messenger
	Presence   PresenceView
}

// Server is our HTTP server implementation.
type Server struct {
	config *Config

	listenAddr string
	logger     logrus.FieldLogger

	requestLog bool

	corsHandler *cors.Cors
	services    *signaling.Services
}

// NewServer constructs a server from the provided parameters.
func NewServer(c *Config) (*Server, error) {
	allowedOrigins := c.CORSAllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	s := &Server{
		config: c,

		listenAddr: c.ListenAddr,
		logger:     c.Logger,

		requestLog: os.Getenv("KOPANO_DEBUG_SERVER_REQUEST_LOG") == "1",

		corsHandler: cors.New(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost},
			AllowedHeaders:   []string{"Accept", "Content-Type", "Authorization"},
			AllowCredentials: true,
		}),
		services: &signaling.Services{},
	}

	if c.Connection != nil {
		s.services.ConnectionManager = c.Connection
	}
	if c.Call != nil {
		s.services.CallManager = c.Call
	}

	return s, nil
}

// WithMetrics adds metrics logging to the provided http.Handler. When the
// handler is done, the context is cancelled, logging metrics.
func (s *Server) WithMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		// Create per request cancel context.
		ctx, cancel := context.WithCancel(req.Context())

		if s.requestLog {
			loggedWriter := metrics.NewLoggedResponseWriter(rw)
			ctx = timing.NewContext(ctx, func(duration time.Duration) {
				durationMs := float64(duration) / float64(time.Millisecond)
				s.logger.WithFields(logrus.Fields{
					"status":     loggedWriter.Status(),
					"method":     req.Method,
					"path":       req.URL.Path,
					"remote":     req.RemoteAddr,
					"duration":   durationMs,
					"user-agent": req.UserAgent(),
					"origin":     req.Header.Get("Origin"),
				}).Debug("HTTP request complete")
			})
			rw = loggedWriter
		}

		next.ServeHTTP(rw, req.WithContext(ctx))

		cancel()
	})
}

// AddContext adds the accociated server's context to the provided http.Hander
// request.
func (s *Server) AddContext(parent context.Context, next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		next.ServeHTTP(rw, req.WithContext(parent))
	})
}

func (s *Server) corsAllowed(next http.Handler) http.Handler {
	return s.corsHandler.Handler(next)
}

// requireControlAuth rejects requests without a valid control token when
// a control signer is configured.
func (s *Server) requireControlAuth(next http.Handler) http.Handler {
	if s.config.Control == nil {
		return next
	}

	return http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		subject, err := s.config.Control.ValidateRequest(req)
		if err != nil {
			s.logger.WithError(err).Debugln("control request auth failed")
			writeError(rw, http.StatusForbidden, err)
			return
		}
		s.logger.WithField("subject", subject).Debugln("control request")
		next.ServeHTTP(rw, req)
	})
}

// AddRoutes add the accociated Servers URL routes to the provided router with
// the provided context.Context.
func (s *Server) AddRoutes(ctx context.Context, router *mux.Router) http.Handler {
	router.Handle("/health-check", s.WithMetrics(http.HandlerFunc(s.HealthCheckHandler)))

	if s.config.WithMetrics && s.config.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))
	}

	wrapper := func(h http.HandlerFunc) http.Handler {
		return s.WithMetrics(s.corsAllowed(s.requireControlAuth(h)))
	}

	v1 := router.PathPrefix(URIPrefix).Subrouter()
	v1.Handle("/status", wrapper(s.StatusHandler)).Methods(http.MethodGet, http.MethodOptions)
	if s.config.Call != nil {
		v1.Handle("/call", wrapper(s.MakeCallHandler)).Methods(http.MethodPost, http.MethodOptions)
		v1.Handle("/call/accept", wrapper(s.AcceptCallHandler)).Methods(http.MethodPost, http.MethodOptions)
		v1.Handle("/call/reject", wrapper(s.RejectCallHandler)).Methods(http.MethodPost, http.MethodOptions)
		v1.Handle("/call/end", wrapper(s.EndCallHandler)).Methods(http.MethodPost, http.MethodOptions)
		v1.Handle("/call/microphone", wrapper(s.ToggleMicrophoneHandler)).Methods(http.MethodPost, http.MethodOptions)
		v1.Handle("/call/speaker", wrapper(s.ToggleSpeakerHandler)).Methods(http.MethodPost, http.MethodOptions)
	}
	s.addMessagingRoutes(v1, wrapper)

	return router
}

// Serve starts all the accociated servers resources and listeners and blocks
// forever until signals or error occurs. Returns error and gracefully stops
// all HTTP listeners before return.
func (s *Server) Serve(ctx context.Context) error {
	var err error

	serveCtx, serveCtxCancel := context.WithCancel(ctx)
	defer serveCtxCancel()

	logger := s.logger

	router := mux.NewRouter()
	s.AddRoutes(serveCtx, router)

	errCh := make(chan error, 2)
	exitCh := make(chan bool, 1)
	signalCh := make(chan os.Signal, 1)

	// HTTP listener.
	logger.WithField("listenAddr", s.listenAddr).Infoln("starting http listener")
	listener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler: s.AddContext(serveCtx, router),
	}
	go func() {
		serveErr := srv.Serve(listener)
		if serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}

		logger.Debugln("http listener stopped")
		close(exitCh)
	}()
	logger.Infoln("ready to handle requests")

	// Wait for exit or error.
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(signalCh)
	select {
	case err = <-errCh:
		// breaks
	case reason := <-signalCh:
		logger.WithField("signal", reason).Warnln("received signal")
		// breaks
	case <-ctx.Done():
		// breaks
	}

	logger.Infoln("clean server shutdown start")
	shutDownCtx, shutDownCtxCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if shutdownErr := srv.Shutdown(shutDownCtx); shutdownErr != nil {
		logger.WithError(shutdownErr).Warn("clean server shutdown failed")
	}

	// Hang up and disconnect before waiting on the managers.
	if s.config.Call != nil {
		s.config.Call.EndCall(call.ReasonCallEnded)
	}
	if s.config.Connection != nil {
		if closeErr := s.config.Connection.Close(); closeErr != nil {
			logger.WithError(closeErr).Debugln("connection close on shutdown")
		}
	}

	serveCtxCancel()
	func() {
		for {
			numActive := s.services.NumActive()
			if numActive == 0 {
				select {
				case <-exitCh:
					return
				default:
					// HTTP listener has not quit yet.
					logger.Info("waiting for http listener to exit")
				}
			} else {
				logger.WithField("active", numActive).Info("waiting for active services to exit")
			}
			select {
			case reason := <-signalCh:
				logger.WithField("signal", reason).Warn("received signal")
				return
			case <-shutDownCtx.Done():
				logger.Warn("shutdown timeout, giving up waiting")
				return
			case <-time.After(100 * time.Millisecond):
			}
		}
	}()
	shutDownCtxCancel() // prevent leak.

	return err
}
