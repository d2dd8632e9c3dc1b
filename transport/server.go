// Package transport exposes the CRUD core over WebSockets. Clients speak a
// small framed protocol: correlated request frames for CRUD calls and
// channel operations, and uncorrelated push frames carrying channel
// messages back.
//
// Every inbound operation passes the schema's access control hook and the
// pre-phase filter before it touches storage; subscriptions additionally
// pass the post-phase filter with the target resource loaded through the
// shared cache.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"livedata.evalgo.org/broker"
	"livedata.evalgo.org/channel"
	"livedata.evalgo.org/crud"
	"livedata.evalgo.org/filter"
	"livedata.evalgo.org/schema"
)

// Options configures a Server.
type Options struct {
	// Orchestrator is the CRUD core. Required.
	Orchestrator *crud.Orchestrator

	// Registry is the schema served. Required.
	Registry *schema.Registry

	// Broker carries channel subscriptions and publishes. Optional; without
	// it #subscribe, #unsubscribe and #publish are rejected.
	Broker broker.Broker

	// Tokens enables JWT authentication. Nil allows anonymous connections.
	Tokens *TokenService

	// ServiceName and Version are reported by the health endpoint.
	ServiceName string
	Version     string

	// AllowedOrigins restricts WebSocket handshake origins. Empty or "*"
	// accepts any origin.
	AllowedOrigins []string

	// RateLimit is the per-socket inbound frame budget in frames per
	// second. Zero disables limiting.
	RateLimit float64

	// BlockInboundByDefault denies inbound CRUD and subscribe requests on
	// models that declare no access control rule. Off, such models accept
	// any authenticated request.
	BlockInboundByDefault bool

	// Debug enables echo debug mode.
	Debug bool

	// Logger receives structured output. Optional.
	Logger *logrus.Entry
}

// Server terminates WebSocket connections and bridges them onto the CRUD
// core and the broker.
type Server struct {
	echo         *echo.Echo
	orchestrator *crud.Orchestrator
	registry     *schema.Registry
	broker       broker.Broker
	tokens       *TokenService
	rateLimit    float64
	blockInbound bool
	upgrader     websocket.Upgrader
	logger       *logrus.Entry

	mu      sync.Mutex
	sockets map[string]*Socket
}

// New builds the server and mounts its routes.
func New(opts Options) (*Server, error) {
	if opts.Orchestrator == nil {
		return nil, fmt.Errorf("transport: an orchestrator is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("transport: a schema registry is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	logger = logger.WithField("component", "transport")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Debug = opts.Debug
	e.Use(middleware.LoggerWithConfig(middleware.LoggerConfig{
		Format: "[${time_rfc3339}] ${status} ${method} ${uri} (${latency_human})\n",
	}))
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	s := &Server{
		echo:         e,
		orchestrator: opts.Orchestrator,
		registry:     opts.Registry,
		broker:       opts.Broker,
		tokens:       opts.Tokens,
		rateLimit:    opts.RateLimit,
		blockInbound: opts.BlockInboundByDefault,
		logger:       logger,
		sockets:      make(map[string]*Socket),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(opts.AllowedOrigins),
		},
	}

	e.GET("/health", healthHandler(opts.ServiceName, opts.Version))
	e.GET("/livedata", s.handleConnection)

	return s, nil
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// Non-browser clients send no origin.
		return origin == "" || set[origin]
	}
}

func healthHandler(serviceName, version string) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":  "healthy",
			"service": serviceName,
			"version": version,
		})
	}
}

// Echo exposes the underlying echo instance, primarily for tests.
func (s *Server) Echo() *echo.Echo {
	return s.echo
}

// Start listens on addr and serves until Shutdown.
func (s *Server) Start(addr string, readTimeout, writeTimeout time.Duration) error {
	srv := &http.Server{
		Addr:        addr,
		ReadTimeout: readTimeout,
		// WebSocket connections outlive any sane write timeout; pings
		// police dead peers instead.
		WriteTimeout: writeTimeout,
	}
	return s.echo.StartServer(srv)
}

// Shutdown closes all sockets and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	sockets := make([]*Socket, 0, len(s.sockets))
	for _, sock := range s.sockets {
		sockets = append(sockets, sock)
	}
	s.mu.Unlock()
	for _, sock := range sockets {
		sock.close()
	}
	return s.echo.Shutdown(ctx)
}

// handleConnection authenticates, upgrades and runs one WebSocket client.
func (s *Server) handleConnection(c echo.Context) error {
	claims, err := s.authenticate(c.Request())
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return nil
	}

	var limiter *rate.Limiter
	if s.rateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.rateLimit), int(s.rateLimit)+1)
	}

	sock := newSocket(uuid.NewString(), conn, claims, limiter, s.logger)
	s.mu.Lock()
	s.sockets[sock.id] = sock
	s.mu.Unlock()

	go sock.writePump()
	s.readPump(sock)

	s.mu.Lock()
	delete(s.sockets, sock.id)
	s.mu.Unlock()
	return nil
}

// authenticate resolves the connection's claims from the token query
// parameter or the Authorization header.
func (s *Server) authenticate(r *http.Request) (*Claims, error) {
	if s.tokens == nil {
		return nil, nil
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		header := r.Header.Get(echo.HeaderAuthorization)
		token = strings.TrimPrefix(header, "Bearer ")
	}
	if token == "" {
		return nil, ErrInvalidToken
	}
	return s.tokens.ValidateToken(token)
}

// readPump reads and dispatches inbound frames until the connection dies.
func (s *Server) readPump(sock *Socket) {
	defer sock.close()

	sock.conn.SetReadLimit(1 << 20)
	_ = sock.conn.SetReadDeadline(time.Now().Add(pongWait))
	sock.conn.SetPongHandler(func(string) error {
		return sock.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := sock.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				sock.logger.WithError(err).Debug("connection closed unexpectedly")
			}
			return
		}

		var frame ClientFrame
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Event == "" {
			sock.logger.Debug("dropping malformed frame")
			continue
		}

		if sock.limiter != nil && !sock.limiter.Allow() {
			if frame.CID != nil {
				sock.reply(*frame.CID, nil, errors.New("rate limit exceeded"))
			}
			continue
		}

		s.dispatch(sock, frame)
	}
}

// dispatch routes one frame. Replies only flow for correlated frames.
func (s *Server) dispatch(sock *Socket, frame ClientFrame) {
	ctx := context.Background()

	var data interface{}
	var err error
	switch frame.Event {
	case EventCreate, EventRead, EventUpdate, EventDelete:
		data, err = s.handleCRUD(ctx, sock, frame)
	case EventSubscribe:
		err = s.handleSubscribe(ctx, sock, frame)
	case EventUnsubscribe:
		err = s.handleUnsubscribe(sock, frame)
	case EventPublish:
		err = s.handlePublish(ctx, sock, frame)
	default:
		err = &crud.InvalidArgumentsError{Reason: "unknown event " + frame.Event}
	}

	if frame.CID != nil {
		sock.reply(*frame.CID, data, err)
	} else if err != nil {
		sock.logger.WithField("event", frame.Event).WithError(err).Debug("uncorrelated frame failed")
	}
}

func (s *Server) handleCRUD(ctx context.Context, sock *Socket, frame ClientFrame) (interface{}, error) {
	var q crud.Query
	if err := json.Unmarshal(frame.Data, &q); err != nil {
		return nil, &crud.InvalidArgumentsError{Reason: "malformed query"}
	}

	req := &schema.HookRequest{
		Action:     frame.Event,
		Type:       q.Type,
		ID:         q.ID,
		Field:      q.Field,
		View:       q.View,
		ViewParams: q.ViewParams,
		AuthToken:  sock.authToken(),
		SocketID:   sock.id,
	}
	if err := s.admit(ctx, req); err != nil {
		return nil, err
	}

	switch frame.Event {
	case EventCreate:
		id, err := s.orchestrator.Create(ctx, q)
		if err != nil {
			return nil, err
		}
		return map[string]string{"id": id}, nil
	case EventRead:
		res, err := s.orchestrator.Read(ctx, q)
		if err != nil {
			return nil, err
		}
		if q.ID != "" {
			req.Resource = res.Document
			if err := s.orchestrator.Filters().Post(ctx, req); err != nil {
				return nil, err
			}
		}
		return readPayload(q, res), nil
	case EventUpdate:
		return nil, s.orchestrator.Update(ctx, q)
	default:
		return nil, s.orchestrator.Delete(ctx, q)
	}
}

// admit runs the model's access control hook and the pre-phase filter.
// Models without a rule are admitted unless the server blocks inbound
// requests by default.
func (s *Server) admit(ctx context.Context, req *schema.HookRequest) error {
	hook := s.registry.AccessControlHook(req.Type)
	if hook == nil {
		if s.blockInbound {
			return &filter.BlockedError{
				Phase: schema.PhasePre,
				Cause: errors.New("no access control rule for " + req.Type),
			}
		}
	} else if err := hook(ctx, req); err != nil {
		return &filter.BlockedError{Phase: schema.PhasePre, Cause: err}
	}
	return s.orchestrator.Filters().Pre(ctx, req)
}

// readPayload shapes a read result for the wire.
func readPayload(q crud.Query, res *crud.ReadResult) interface{} {
	switch {
	case res.HasValue:
		return map[string]interface{}{"value": res.Value}
	case q.ID != "":
		return res.Document
	default:
		page := map[string]interface{}{
			"data":       res.Data,
			"isLastPage": res.IsLastPage,
		}
		if res.Count != nil {
			page["count"] = *res.Count
		}
		return page
	}
}

// handleSubscribe attaches the socket to a channel. Data channels pass the
// full authorization pipeline first; other channels are plain pub/sub.
func (s *Server) handleSubscribe(ctx context.Context, sock *Socket, frame ClientFrame) error {
	if s.broker == nil {
		return &crud.InvalidOperationError{Reason: "no broker is configured"}
	}
	var req channelRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil || req.Channel == "" {
		return &crud.InvalidArgumentsError{Reason: "subscribe requires a channel"}
	}

	if addr, ok := channel.Parse(req.Channel); ok {
		if err := s.authorizeSubscribe(ctx, sock, addr); err != nil {
			return err
		}
	}

	// Forwarded data channel messages also feed the cache, so a field
	// update from a remote writer patches the local entry before or after
	// the client sees it.
	unsub, err := s.broker.Subscribe(ctx, req.Channel, func(ch string, payload []byte) {
		s.orchestrator.HandleChannelMessage(ch, payload)
		sock.push(ch, payload)
	})
	if err != nil {
		return &crud.SubscribeFailedError{Channel: req.Channel, Cause: err}
	}
	if !sock.addSubscription(req.Channel, unsub) {
		unsub()
	}
	return nil
}

// authorizeSubscribe runs access control, the pre filter, and the post
// filter with the target resource loaded through the cache.
func (s *Server) authorizeSubscribe(ctx context.Context, sock *Socket, addr channel.Address) error {
	req := &schema.HookRequest{
		Action:    "subscribe",
		Type:      addr.Type,
		AuthToken: sock.authToken(),
		SocketID:  sock.id,
	}
	if addr.Kind == channel.KindView {
		req.View = addr.View
		req.ViewParams = addr.Params
	} else {
		req.ID = addr.ID
		req.Field = addr.Field
	}

	if err := s.admit(ctx, req); err != nil {
		return err
	}
	return s.orchestrator.Filters().PostSubscribe(ctx, req, s.orchestrator.LoadResource)
}

func (s *Server) handleUnsubscribe(sock *Socket, frame ClientFrame) error {
	var req channelRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil || req.Channel == "" {
		return &crud.InvalidArgumentsError{Reason: "unsubscribe requires a channel"}
	}
	if !sock.removeSubscription(req.Channel) {
		return &crud.InvalidOperationError{Reason: "not subscribed to " + req.Channel}
	}
	return nil
}

// handlePublish relays a client publish. Data channels are server-owned:
// clients can never publish into them, subscribed or not.
func (s *Server) handlePublish(ctx context.Context, sock *Socket, frame ClientFrame) error {
	if s.broker == nil {
		return &crud.InvalidOperationError{Reason: "no broker is configured"}
	}
	var req channelRequest
	if err := json.Unmarshal(frame.Data, &req); err != nil || req.Channel == "" {
		return &crud.InvalidArgumentsError{Reason: "publish requires a channel"}
	}
	if strings.HasPrefix(req.Channel, channel.Prefix) {
		return &crud.PublishNotAllowedError{Channel: req.Channel}
	}
	return s.broker.Publish(ctx, req.Channel, req.Data)
}

// frameError maps an error onto its wire name.
func frameError(err error) *FrameError {
	name := "Error"

	var blocked *filter.BlockedError
	var invalidArgs *crud.InvalidArgumentsError
	var invalidType *crud.InvalidModelTypeError
	var invalidParams *crud.InvalidParamsError
	var invalidOp *crud.InvalidOperationError
	var noPublish *crud.PublishNotAllowedError
	var subFailed *crud.SubscribeFailedError
	var storeErr *crud.StoreError
	switch {
	case errors.As(err, &blocked):
		name = "BlockedError"
	case errors.As(err, &invalidArgs):
		name = "InvalidArgumentsError"
	case errors.As(err, &invalidType):
		name = "InvalidModelTypeError"
	case errors.As(err, &invalidParams):
		name = "InvalidParamsError"
	case errors.As(err, &invalidOp):
		name = "InvalidOperationError"
	case errors.As(err, &noPublish):
		name = "PublishNotAllowedError"
	case errors.As(err, &subFailed):
		name = "SubscribeFailedError"
	case errors.As(err, &storeErr):
		name = "StoreError"
	}
	return &FrameError{Name: name, Message: err.Error()}
}
