package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"

	"livecall/pkg/config"
	"livecall/pkg/utils"
)

// P2PServerConfig configures the listener and the signaling endpoint.
type P2PServerConfig struct {
	Host string
	Port int
	// HTTPS is served when both files are set.
	CertFile      string
	KeyFile       string
	WebSocketPath string
	// Origins allowed to open the WebSocket; "*" allows any.
	AllowedOrigins  []string
	ShutdownTimeout time.Duration
	Conn            ConnOptions
}

func GetDefaultConfig() P2PServerConfig {
	return P2PServerConfig{
		Host:            "0.0.0.0",
		Port:            8080,
		WebSocketPath:   "/signal",
		AllowedOrigins:  []string{"*"},
		ShutdownTimeout: 5 * time.Second,
		Conn:            DefaultConnOptions(),
	}
}

// ConfigFrom maps the loaded settings onto the server configuration.
func ConfigFrom(cfg config.Config) P2PServerConfig {
	return P2PServerConfig{
		Host:            cfg.General.Bind,
		Port:            cfg.General.Port,
		CertFile:        cfg.General.Cert,
		KeyFile:         cfg.General.Key,
		WebSocketPath:   cfg.General.WebSocketPath,
		AllowedOrigins:  cfg.General.AllowedOrigins,
		ShutdownTimeout: cfg.Signal.ShutdownTimeout,
		Conn: ConnOptions{
			MaxMessageBytes:   cfg.Signal.MaxMessageBytes,
			SendQueueSize:     cfg.Signal.SendQueueSize,
			MessagesPerSecond: cfg.Signal.MessagesPerSecond,
			MessageBurst:      cfg.Signal.MessageBurst,
			WriteWait:         cfg.Signal.WriteWait,
			PongWait:          cfg.Signal.PongWait,
			PingPeriod:        cfg.Signal.PingPeriod,
		},
	}
}

// RoomStats reports room id -> member count.
type RoomStats func() map[string]int

// P2PServer accepts signaling clients and hands each upgraded connection to
// the signaling layer.
type P2PServer struct {
	handleWebSocket func(ws *WebSocketConn, request *http.Request)
	upgrader        websocket.Upgrader
	config   P2PServerConfig
	stats    RoomStats
	router   chi.Router
}

func NewP2PServer(wsHandler func(ws *WebSocketConn, request *http.Request), cfg P2PServerConfig) *P2PServer {
	server := &P2PServer{
		handleWebSocket: wsHandler,
		config:          cfg,
	}
	server.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	server.router = server.routes()
	return server
}

// SetRoomStats enables GET /rooms. It must be called before serving.
func (server *P2PServer) SetRoomStats(stats RoomStats) {
	server.stats = stats
}

func (server *P2PServer) Handler() http.Handler {
	return server.router
}

func (server *P2PServer) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc: func(r *http.Request, origin string) bool {
			return originAllowed(server.config.AllowedOrigins, origin)
		},
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get(server.config.WebSocketPath, server.handlerWebSocketRequest)
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("signaling server is healthy"))
	})
	r.Get("/rooms", server.handleRooms)
	return r
}

type roomEntry struct {
	ID      string `json:"id"`
	Members int    `json:"members"`
}

func (server *P2PServer) handleRooms(w http.ResponseWriter, r *http.Request) {
	if server.stats == nil {
		http.NotFound(w, r)
		return
	}
	rooms := server.stats()
	list := make([]roomEntry, 0, len(rooms))
	for id, n := range rooms {
		list = append(list, roomEntry{ID: id, Members: n})
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Members == list[j].Members {
			return list[i].ID < list[j].ID
		}
		return list[i].Members > list[j].Members
	})

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(list); err != nil {
		utils.WarnF("encode /rooms: %v", err)
	}
}

func (server *P2PServer) handlerWebSocketRequest(writer http.ResponseWriter, request *http.Request) {
	socket, err := server.upgrader.Upgrade(writer, request, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		utils.WarnF("upgrade from %s failed: %v", request.RemoteAddr, err)
		return
	}
	wsTransport := NewWebSocketConn(socket, server.config.Conn)
	utils.InfoF("[%s] connected from %s", wsTransport.ID(), request.RemoteAddr)
	server.handleWebSocket(wsTransport, request)
	wsTransport.ReadMessage()
	utils.InfoF("[%s] disconnected", wsTransport.ID())
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully. Upgraded connections are not tracked by http.Server; closing
// them is up to the signaling layer.
func (server *P2PServer) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           server.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if server.config.CertFile != "" && server.config.KeyFile != "" {
			errCh <- srv.ServeTLS(ln, server.config.CertFile, server.config.KeyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	timeout := server.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Bind listens on the configured address and serves until ctx is done.
func (server *P2PServer) Bind(ctx context.Context) error {
	addr := net.JoinHostPort(server.config.Host, strconv.Itoa(server.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	scheme := "http"
	if server.config.CertFile != "" {
		scheme = "https"
	}
	utils.InfoF("P2P server listening on %s://%s%s", scheme, ln.Addr(), server.config.WebSocketPath)
	return server.Serve(ctx, ln)
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			// Non-browser clients do not send an Origin.
			return true
		}
		return originAllowed(allowed, origin)
	}
}

func originAllowed(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	normalized := strings.ToLower(u.Scheme + "://" + u.Host)
	for _, a := range allowed {
		if strings.ToLower(strings.TrimRight(a, "/")) == normalized {
			return true
		}
	}
	return false
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		utils.Logger().Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Str("request_id", middleware.GetReqID(r.Context())).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}
