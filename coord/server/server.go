// Package server implements the local coordination service: a
// namespace/client registry with an mTLS WebSocket rendezvous listener
// that forked clients dial to announce themselves.
package server

import (
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/coordnet/coordtest/coord"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Server is the coordination service. Construct with New, then Init to
// start the rendezvous listener. Registration calls return status codes
// rather than errors, so callers can print and sequence them the way a
// supervisor script does.
type Server struct {
	log        *zap.SugaredLogger
	certs      *Certs
	listenAddr string

	m           sync.Mutex
	initialized bool
	attrs       []coord.Attribute
	handlers    map[string]coord.EventHandler
	reg         *registry
	httpServer  *http.Server
	boundAddr   net.Addr

	finalizeOnce sync.Once
}

type Option func(s *Server)

func WithListenAddr(addr string) Option {
	return func(s *Server) {
		s.listenAddr = addr
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.log = l.Named("coordserver").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Server) {
		s.log = s.log.WithOptions(zap.IncreaseLevel(l))
	}
}

// New constructs a server and generates its mTLS material. This is the
// only construction step that can fail; a supervisor treats a failure
// here as fatal.
func New(opts ...Option) (*Server, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	certs, err := GenerateCerts()
	if err != nil {
		return nil, fmt.Errorf("generating certs: %w", err)
	}
	s := &Server{
		log:        logger.Named("coordserver").Sugar(),
		certs:      certs,
		listenAddr: "127.0.0.1:0",
		reg:        newRegistry(),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Init records the attribute schema and event handlers and starts the
// rendezvous listener. Calling Init twice returns ErrInit.
func (s *Server) Init(attrs []coord.Attribute, handlers map[string]coord.EventHandler) coord.Status {
	s.m.Lock()
	defer s.m.Unlock()
	if s.initialized {
		return coord.ErrInit
	}

	s.attrs = append([]coord.Attribute(nil), attrs...)
	s.handlers = map[string]coord.EventHandler{}
	for name, h := range handlers {
		s.handlers[name] = h
	}

	tcpListener, err := net.Listen("tcp", s.listenAddr)
	if err != nil {
		s.log.Errorf("listening TCP: %s", err)
		return coord.ErrInit
	}

	tlsConfig, err := ServerTLSConfig(s.certs.CA.CertPEMBytes, s.certs.Server.CertPEMBytes, s.certs.Server.KeyPEMBytes)
	if err != nil {
		s.log.Errorf("building server TLS config: %s", err)
		tcpListener.Close()
		return coord.ErrInit
	}

	tlsListener := tls.NewListener(tcpListener, tlsConfig)

	router := httprouter.New()
	router.GET("/healthz", s.healthz)
	router.GET("/connect", s.connectWS)

	s.httpServer = &http.Server{Handler: router}
	s.boundAddr = tcpListener.Addr()

	go func() {
		err := s.httpServer.Serve(tlsListener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("rendezvous listener stopped: %s", err)
		}
	}()

	s.initialized = true
	s.log.Infow("initialized", "Addr", s.boundAddr.String())
	return coord.Success
}

// Initialized reports whether Init has completed.
func (s *Server) Initialized() bool {
	s.m.Lock()
	defer s.m.Unlock()
	return s.initialized
}

// Version returns the coordination layer version.
func (s *Server) Version() string {
	return coord.Version
}

// URI returns the rendezvous URI clients should dial. Valid after Init.
func (s *Server) URI() string {
	s.m.Lock()
	defer s.m.Unlock()
	if s.boundAddr == nil {
		return ""
	}
	return "https://" + s.boundAddr.String()
}

// RegisterNamespace registers a namespace for a client app.
func (s *Server) RegisterNamespace(name string, size int, params map[string]string) coord.Status {
	if !s.Initialized() {
		return coord.ErrInit
	}
	st := s.reg.registerNamespace(name, size, params)
	s.log.Debugw("registered namespace", "Nspace", name, "Size", size, "Status", st)
	return st
}

// RegisterClient registers a client identity within a namespace.
func (s *Server) RegisterClient(id coord.Identity, uid, gid int) coord.Status {
	if !s.Initialized() {
		return coord.ErrInit
	}
	st := s.reg.registerClient(id, uid, gid)
	s.log.Debugw("registered client", "ID", id.String(), "UID", uid, "GID", gid, "Status", st)
	return st
}

// SetupFork injects the rendezvous URI, the client's identity, and its
// base64 PEM credentials into env, which the supervisor passes to the
// forked process.
func (s *Server) SetupFork(id coord.Identity, env map[string]string) coord.Status {
	if !s.Initialized() {
		return coord.ErrInit
	}
	if _, st := s.reg.lookup(id); st != coord.Success {
		return st
	}

	env[coord.EnvServerURI] = s.URI()
	env[coord.EnvNspace] = id.Nspace
	env[coord.EnvRank] = strconv.Itoa(id.Rank)
	env[coord.EnvCACert] = base64.StdEncoding.EncodeToString(s.certs.CA.CertPEMBytes)
	env[coord.EnvCert] = base64.StdEncoding.EncodeToString(s.certs.Client.CertPEMBytes)
	env[coord.EnvKey] = base64.StdEncoding.EncodeToString(s.certs.Client.KeyPEMBytes)
	return coord.Success
}

// Attributes returns a copy of the attribute schema declared at Init.
func (s *Server) Attributes() []coord.Attribute {
	s.m.Lock()
	defer s.m.Unlock()
	return append([]coord.Attribute(nil), s.attrs...)
}

// Finalize stops the rendezvous listener. Idempotent.
func (s *Server) Finalize() coord.Status {
	s.finalizeOnce.Do(func() {
		s.m.Lock()
		httpServer := s.httpServer
		s.initialized = false
		s.m.Unlock()
		if httpServer != nil {
			if err := httpServer.Close(); err != nil {
				s.log.Debugf("error closing rendezvous listener: %s", err)
			}
		}
		s.log.Info("finalized")
	})
	return coord.Success
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	w.WriteHeader(http.StatusOK)
}

// connectWS handles a forked client dialing in. The connection is scoped
// to the client: when it drops, the client is considered gone.
func (s *Server) connectWS(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.log.Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.log.Debug("accepted WebSocket conn")

	ctx := r.Context()

	var req coord.ConnectRequest
	if err := wsjson.Read(ctx, wsConn, &req); err != nil {
		s.log.Debugf("error reading connect request: %s", err)
		wsConn.Close(websocket.StatusInternalError, "reading connect request")
		return
	}

	id := coord.Identity{Nspace: req.Nspace, Rank: req.Rank}
	sessionID, st := s.reg.connect(id, req.UID, req.GID)

	ack := coord.ConnectAck{Status: st, SessionID: sessionID, Version: coord.Version}
	if err := wsjson.Write(ctx, wsConn, ack); err != nil {
		s.log.Debugf("error writing connect ack: %s", err)
		wsConn.Close(websocket.StatusInternalError, "writing connect ack")
		if st == coord.Success {
			s.reg.disconnect(id)
		}
		return
	}
	if st != coord.Success {
		s.log.Debugw("rejected client", "ID", id.String(), "Status", st)
		wsConn.Close(websocket.StatusPolicyViolation, st.String())
		return
	}

	s.fire(coord.Event{
		Name: coord.EventClientConnected,
		Peer: id,
		Info: map[string]string{
			"session": sessionID,
			"uid":     strconv.Itoa(req.UID),
			"gid":     strconv.Itoa(req.GID),
		},
	})

	reason := "connection closed"
	for {
		var msg coord.ClientMessage
		err := wsjson.Read(ctx, wsConn, &msg)
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			break
		}
		if err != nil {
			s.log.Debugf("client message reader got error: %s", err)
			break
		}
		if msg.Finalize {
			reason = "finalized"
			wsConn.Close(websocket.StatusNormalClosure, "")
			break
		}
	}

	s.reg.disconnect(id)
	s.fire(coord.Event{
		Name: coord.EventClientFinalized,
		Peer: id,
		Info: map[string]string{"session": sessionID, "reason": reason},
	})
}

// fire dispatches an event to its registered handler, if any. Handler
// statuses are logged and otherwise ignored.
func (s *Server) fire(ev coord.Event) {
	s.m.Lock()
	handler := s.handlers[ev.Name]
	s.m.Unlock()
	if handler == nil {
		return
	}
	st := handler(ev)
	s.log.Debugw("event handler returned", "Event", ev.Name, "Peer", ev.Peer.String(), "Status", st)
}
