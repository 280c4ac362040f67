package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"reflect"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/brandur/blackboard/internal/bbaudit"
	"github.com/brandur/blackboard/internal/bbservice"
)

const (
	MaxRequestSize  = 1 << 20
	ShutdownTimeout = 10 * time.Second
)

const (
	ErrMessageBodyMalformed = "Request body should be a JSON array of arguments."
	ErrMessageBodyTooLarge  = "Request body is too large."
	ErrMessageInternalError = "An internal error has occurred. Please report this to the server operator."
)

type MethodNotFoundError struct {
	method string
}

func (e *MethodNotFoundError) Error() string { return fmt.Sprintf("Method not found: %q.", e.method) }

type Server struct {
	auditor    bbaudit.Auditor
	httpServer *http.Server
	logger     *logrus.Logger
	name       string
	router     *mux.Router
	service    *bbservice.Service
	timeNow    func() time.Time
}

func NewServer(logger *logrus.Logger, service *bbservice.Service, auditor bbaudit.Auditor, port int) *Server {
	server := &Server{
		auditor: auditor,
		logger:  logger,
		name:    reflect.TypeOf(Server{}).Name(),
		service: service,
		timeNow: time.Now,
	}

	router := mux.NewRouter()
	router.Use((&ContextContainerMiddleware{}).Wrapper)
	router.Use((&CanonicalLogLineMiddleware{logger: logger}).Wrapper)
	router.Use((&CORSMiddleware{}).Wrapper)
	router.Handle("/", server.wrapEndpoint(server.handleIndex)).Methods(http.MethodGet)
	router.Handle("/rpc/{method}", server.wrapEndpoint(server.handleCall)).Methods(http.MethodPost)

	server.httpServer = &http.Server{
		Addr:      fmt.Sprintf(":%d", port),
		ConnState: server.trackConnState,
		Handler:   router,

		// Specified to prevent the "Slowloris" DOS attack, in which an attacker
		// sends many partial requests to exhaust a target server's connections.
		//
		// https://en.wikipedia.org/wiki/Slowloris_(computer_security)
		ReadHeaderTimeout: 5 * time.Second,
	}
	server.router = router

	return server
}

// Run serves until ctx is done, then shuts down gracefully. Start and stop are
// both written to the audit log.
func (s *Server) Run(ctx context.Context) error {
	s.recordLifecycle(bbaudit.EventServerStart)
	defer s.recordLifecycle(bbaudit.EventServerStop)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(s.Start)

	group.Go(func() error {
		<-groupCtx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()

		return s.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func (s *Server) Start() error {
	s.logger.Infof(s.name+": Listening on %s", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return xerrors.Errorf("error listening on %s: %w", s.httpServer.Addr, err)
	}

	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Infof(s.name + ": Shutting down")

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return xerrors.Errorf("error shutting down: %w", err)
	}

	return nil
}

func (s *Server) handleCall(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	method := mux.Vars(r)["method"]

	if !s.service.HasMethod(method) {
		return nil, NewServerError(http.StatusNotFound, (&MethodNotFoundError{method}).Error())
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestSize+1))
	if err != nil {
		return nil, xerrors.Errorf("error reading request body: %w", err)
	}

	if len(body) > MaxRequestSize {
		return nil, NewServerError(http.StatusRequestEntityTooLarge, ErrMessageBodyTooLarge)
	}

	args, err := decodeArgs(body)
	if err != nil {
		return nil, NewServerError(http.StatusBadRequest, ErrMessageBodyMalformed)
	}

	resp, err := s.service.Call(ctx, callerFromAddr(r.RemoteAddr), method, args)
	if err != nil {
		if errors.Is(err, bbservice.ErrUnknownMethod) {
			return nil, NewServerError(http.StatusNotFound, (&MethodNotFoundError{method}).Error())
		}
		return nil, xerrors.Errorf("error calling %q: %w", method, err)
	}

	respBody, err := json.Marshal(resp)
	if err != nil {
		return nil, xerrors.Errorf("error encoding response: %w", err)
	}

	return NewServerResponse(http.StatusOK, respBody, http.Header{
		"Content-Type": []string{"application/json"},
	}), nil
}

func (s *Server) handleIndex(ctx context.Context, r *http.Request) (*ServerResponse, error) {
	return NewServerResponse(http.StatusOK, []byte("blackboard: POST /rpc/{method} with a JSON array of arguments"), nil), nil
}

// Audits connections being opened and closed. Hooked into http.Server so that
// it sees connections rather than requests.
func (s *Server) trackConnState(conn net.Conn, state http.ConnState) {
	var event string
	switch state {
	case http.StateNew:
		event = bbaudit.EventClientConnect
	case http.StateClosed, http.StateHijacked:
		event = bbaudit.EventClientDisconnect
	default:
		return
	}

	if s.auditor == nil {
		return
	}

	caller := callerFromAddr(conn.RemoteAddr().String())
	s.auditor.Record(&bbaudit.Record{
		Timestamp: s.timeNow(),
		Event:     event,
		IP:        caller.IP,
		Port:      caller.Port,
	})
}

func (s *Server) recordLifecycle(event string) {
	if s.auditor == nil {
		return
	}

	s.auditor.Record(&bbaudit.Record{Timestamp: s.timeNow(), Event: event})
}

type ServerResponse struct {
	Body       []byte
	Header     http.Header
	StatusCode int
}

func NewServerResponse(statusCode int, body []byte, header http.Header) *ServerResponse {
	return &ServerResponse{Body: body, Header: header, StatusCode: statusCode}
}

func (s *Server) wrapEndpoint(h func(ctx context.Context, r *http.Request) (*ServerResponse, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctxContainer := ContextContainerFrom(r.Context())
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		resp, err := h(r.Context(), r)
		if err != nil {
			var serverErr *ServerError
			if errors.As(err, &serverErr) {
				ctxContainer.StatusCode = serverErr.StatusCode
				w.WriteHeader(serverErr.StatusCode)
				_, _ = w.Write([]byte(err.Error()))
				return
			}

			s.logger.Errorf(s.name+": Internal server error: %v", err)

			ctxContainer.StatusCode = http.StatusInternalServerError
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(ErrMessageInternalError))
			return
		}

		for k, vs := range resp.Header {
			w.Header().Del(k)
			for _, v := range vs {
				w.Header().Add(k, v)
			}
		}

		ctxContainer.StatusCode = http.StatusOK
		if resp.StatusCode != 0 {
			ctxContainer.StatusCode = resp.StatusCode
			w.WriteHeader(resp.StatusCode)
		}

		_, _ = w.Write(resp.Body)
	})
}

// Caller details come straight from the connection. A malformed address is
// kept whole as the IP.
func callerFromAddr(addr string) bbservice.Caller {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return bbservice.Caller{IP: addr}
	}

	return bbservice.Caller{IP: host, Port: port}
}

// Decodes a JSON array of arguments, keeping numbers as json.Number so that
// they reach the service unmangled. An empty body means no arguments.
func decodeArgs(body []byte) ([]any, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, nil
	}

	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()

	var args []any
	if err := decoder.Decode(&args); err != nil {
		return nil, xerrors.Errorf("error decoding arguments: %w", err)
	}

	if decoder.More() {
		return nil, xerrors.New("unexpected data after arguments")
	}

	// A literal `null` decodes cleanly into a nil slice.
	if args == nil {
		return nil, nil
	}

	return args, nil
}
