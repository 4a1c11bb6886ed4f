package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/rs/cors"
	"golang.org/x/crypto/bcrypt"

	"github.com/templeledger/templeledger/internal/ledger/schema"
)

// ServerConfig holds reference server configuration.
type ServerConfig struct {
	// Addr to listen on (default: :8787)
	Addr string

	// DBPath of the server's document database (default: in memory)
	DBPath string

	// JWTSecret signs session tokens (required)
	JWTSecret []byte

	// TokenTTL is how long a session token is valid (default: 720h)
	TokenTTL time.Duration

	// BcryptCost for password hashes (default: bcrypt.DefaultCost)
	BcryptCost int

	// AllowedOrigins for CORS and websocket upgrades (default: all)
	AllowedOrigins []string

	// Now is the server clock (default: time.Now)
	Now func() time.Time

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultServerConfig returns sensible defaults. JWTSecret is left empty.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:           ":8787",
		TokenTTL:       720 * time.Hour,
		BcryptCost:     bcrypt.DefaultCost,
		AllowedOrigins: []string{"*"},
		Now:            time.Now,
		Logger:         log.NewWithOptions(os.Stderr, log.Options{Prefix: "server", ReportTimestamp: true}),
	}
}

// Server is the reference implementation of the remote document service.
//
// Each user owns a set of documents keyed by collection and id. Uploads
// merge by id and stamp every written document with the server time;
// websocket subscribers of the owner receive the resulting changes.
type Server struct {
	config   *ServerConfig
	store    *docStore
	hub      *hub
	handler  http.Handler
	listener net.Listener
	server   *http.Server
	logger   *log.Logger

	// uploads are serialized so change deliveries follow commit order
	uploadMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer opens the document database and builds the HTTP handler.
func NewServer(config *ServerConfig) (*Server, error) {
	def := DefaultServerConfig()
	if config == nil {
		config = def
	}
	cfg := *config
	if len(cfg.JWTSecret) == 0 {
		return nil, errors.New("server: a JWT secret is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = def.TokenTTL
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = def.BcryptCost
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = def.AllowedOrigins
	}
	if cfg.Now == nil {
		cfg.Now = def.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}

	store, err := openDocStore(cfg.DBPath, cfg.Now)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config: &cfg,
		store:  store,
		hub:    newHub(),
		logger: cfg.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth/signup", s.handleSignUp)
		r.Post("/auth/signin", s.handleSignIn)
		r.Group(func(r chi.Router) {
			r.Use(s.authenticate)
			r.Post("/auth/signout", s.handleSignOut)
			r.Get("/me", s.handleMe)
			r.Get("/data", s.handleDownload)
			r.Post("/data", s.handleUpload)
			r.Get("/changes", s.handleChanges)
		})
	})

	c := cors.New(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           600,
	})
	return c.Handler(r)
}

// Handler returns the HTTP handler, for embedding or httptest.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return s.ctx },
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Infof("remote server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("server error: %v", err)
		}
	}()
	return nil
}

// Stop closes subscriptions, shuts the listener down and closes the database.
func (s *Server) Stop() error {
	s.logger.Info("stopping remote server")
	s.cancel()

	var shutdownErr error
	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			shutdownErr = fmt.Errorf("server shutdown error: %w", err)
		}
	}
	s.wg.Wait()

	if err := s.store.Close(); err != nil && shutdownErr == nil {
		shutdownErr = fmt.Errorf("failed to close database: %w", err)
	}
	return shutdownErr
}

// Addr returns the listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.Addr
}

// SubscriberCount returns the number of open change streams.
func (s *Server) SubscriberCount() int {
	return s.hub.count()
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"subscribers": s.hub.count(),
	})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r.Context())
	p, err := s.store.download(r.Context(), u.ID)
	if err != nil {
		s.internalError(w, "download", err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r.Context())
	var p Payload
	if err := decodeBody(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.uploadMu.Lock()
	defer s.uploadMu.Unlock()

	changes, res, err := s.store.upload(r.Context(), u.ID, &p)
	if err != nil {
		if errors.Is(err, errMissingID) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.internalError(w, "upload", err)
		return
	}
	s.logger.Debugf("upload from %s: %d written, %d deleted", u.Email, res.Written, res.Deleted)

	for _, coll := range []schema.Collection{schema.Records, schema.Believers, schema.Reminders} {
		if len(changes[coll]) == 0 {
			continue
		}
		snap, err := s.store.snapshot(r.Context(), u.ID, coll)
		if err != nil {
			s.logger.Warnf("failed to snapshot %s for subscribers: %v", coll, err)
			continue
		}
		s.hub.publish(u.ID, ChangeMessage{
			Collection: coll,
			Snapshot:   snap,
			Changes:    changes[coll],
			SentAt:     s.config.Now(),
		})
	}
	writeJSON(w, http.StatusOK, res)
}

// handleChanges streams changes of the requested collections. The stream
// starts with the current contents of each collection as added changes.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	u := userFromContext(r.Context())
	colls := make(map[schema.Collection]bool)
	var order []schema.Collection
	for _, name := range strings.Split(r.URL.Query().Get("collections"), ",") {
		coll, err := schema.ParseCollection(strings.TrimSpace(name))
		if err != nil || !coll.IsSynced() || coll == schema.Categories {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("cannot subscribe to %q", name))
			return
		}
		if !colls[coll] {
			colls[coll] = true
			order = append(order, coll)
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.config.AllowedOrigins})
	if err != nil {
		s.logger.Warnf("websocket upgrade failed: %v", err)
		return
	}

	ctx, kick := context.WithCancel(s.ctx)
	defer kick()
	sub := &subscriber{owner: u.ID, collections: colls, send: make(chan ChangeMessage, subscriberBuffer), kick: kick}
	n := s.hub.add(sub)
	s.logger.Debugf("%s subscribed to %v (total: %d)", u.Email, order, n)
	defer func() {
		n := s.hub.remove(sub)
		s.logger.Debugf("%s unsubscribed (total: %d)", u.Email, n)
	}()

	for _, coll := range order {
		snap, err := s.store.snapshot(ctx, u.ID, coll)
		if err != nil {
			s.logger.Warnf("failed to load %s snapshot: %v", coll, err)
			_ = conn.Close(websocket.StatusInternalError, "snapshot failed")
			return
		}
		msg := ChangeMessage{Collection: coll, Snapshot: snap, SentAt: s.config.Now()}
		for _, doc := range snap {
			msg.Changes = append(msg.Changes, Change{Type: ChangeAdded, ID: doc.ID(), Doc: doc})
		}
		if err := writeMessage(ctx, conn, msg); err != nil {
			return
		}
	}

	// Client messages are ignored; reading notices the disconnect.
	go func() {
		defer kick()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			status := websocket.StatusGoingAway
			if s.ctx.Err() == nil {
				status = websocket.StatusTryAgainLater
			}
			_ = conn.Close(status, "")
			return
		case msg := <-sub.send:
			if err := writeMessage(ctx, conn, msg); err != nil {
				return
			}
		}
	}
}

func writeMessage(ctx context.Context, conn *websocket.Conn, msg ChangeMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Errorf("%s failed: %v", op, err)
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxResponseSize))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
