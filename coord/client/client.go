// Package client is the forked-side binding to the coordination server.
// A forked process reads its identity and credentials from the
// environment prepared by SetupFork, dials the rendezvous listener, and
// announces itself.
package client

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/coordnet/coordtest/coord"
	"github.com/coordnet/coordtest/coord/server"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// ForkInfo is the rendezvous info a forked client reads from its
// environment.
type ForkInfo struct {
	ServerURI string
	ID        coord.Identity
	CACertPEM []byte
	CertPEM   []byte
	KeyPEM    []byte
}

// InfoFromEnv parses the environment prepared by SetupFork. A missing or
// malformed variable is an error: without it the server is unreachable.
func InfoFromEnv() (*ForkInfo, error) {
	uri := os.Getenv(coord.EnvServerURI)
	if uri == "" {
		return nil, fmt.Errorf("%s not set", coord.EnvServerURI)
	}
	nspace := os.Getenv(coord.EnvNspace)
	if nspace == "" {
		return nil, fmt.Errorf("%s not set", coord.EnvNspace)
	}
	rank, err := strconv.Atoi(os.Getenv(coord.EnvRank))
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", coord.EnvRank, err)
	}

	caCert, err := base64.StdEncoding.DecodeString(os.Getenv(coord.EnvCACert))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", coord.EnvCACert, err)
	}
	cert, err := base64.StdEncoding.DecodeString(os.Getenv(coord.EnvCert))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", coord.EnvCert, err)
	}
	key, err := base64.StdEncoding.DecodeString(os.Getenv(coord.EnvKey))
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", coord.EnvKey, err)
	}

	return &ForkInfo{
		ServerURI: uri,
		ID:        coord.Identity{Nspace: nspace, Rank: rank},
		CACertPEM: caCert,
		CertPEM:   cert,
		KeyPEM:    key,
	}, nil
}

// Client is a connected coordination client.
type Client struct {
	Logger *zap.SugaredLogger

	httpClient *http.Client
	baseURL    string
	id         coord.Identity
	conn       *websocket.Conn
	ack        coord.ConnectAck

	waitInterval time.Duration

	closeConnOnce sync.Once
}

type Option func(c *Client)

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.Logger = l.Named("coordclient").Sugar()
	}
}

func WithWaitInterval(d time.Duration) Option {
	return func(c *Client) {
		c.waitInterval = d
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// Connect reads the fork environment, dials the server, and announces
// this process. It returns an error if the server rejects the identity.
func Connect(ctx context.Context, opts ...Option) (*Client, error) {
	info, err := InfoFromEnv()
	if err != nil {
		return nil, fmt.Errorf("reading fork environment: %w", err)
	}
	return ConnectWithInfo(ctx, info, opts...)
}

// ConnectWithInfo is Connect with explicit rendezvous info, for callers
// that do not get it from the environment.
func ConnectWithInfo(ctx context.Context, info *ForkInfo, opts ...Option) (*Client, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}

	tlsConfig, err := server.ClientTLSConfig(info.CACertPEM, info.CertPEM, info.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("building client TLS config: %w", err)
	}

	c := &Client{
		Logger:       logger.Named("coordclient").Sugar(),
		baseURL:      info.ServerURI,
		id:           info.ID,
		waitInterval: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{TLSClientConfig: tlsConfig},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	c.httpClient = retryClient.StandardClient()

	if err := c.waitForServer(ctx); err != nil {
		return nil, fmt.Errorf("waiting for server: %w", err)
	}

	c.Logger.Debugw("dialing rendezvous WebSocket", "URL", c.baseURL+"/connect")
	wsConn, _, err := websocket.Dial(ctx, c.baseURL+"/connect", &websocket.DialOptions{
		HTTPClient:      c.httpClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		return nil, fmt.Errorf("establishing WebSocket conn: %w", err)
	}
	c.conn = wsConn

	err = wsjson.Write(ctx, wsConn, coord.ConnectRequest{
		Nspace: info.ID.Nspace,
		Rank:   info.ID.Rank,
		UID:    os.Getuid(),
		GID:    os.Getgid(),
	})
	if err != nil {
		c.close(websocket.StatusInternalError, "write failed")
		return nil, fmt.Errorf("sending connect request: %w", err)
	}

	if err := wsjson.Read(ctx, wsConn, &c.ack); err != nil {
		c.close(websocket.StatusInternalError, "read failed")
		return nil, fmt.Errorf("reading connect ack: %w", err)
	}
	if c.ack.Status != coord.Success {
		c.close(websocket.StatusNormalClosure, "")
		return nil, fmt.Errorf("server rejected connect: %s", c.ack.Status)
	}

	c.Logger.Debugw("connected", "ID", c.id.String(), "Session", c.ack.SessionID)
	return c, nil
}

// waitForServer polls the health endpoint until the server answers.
func (c *Client) waitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		err := c.healthCheck(ctx)
		if err == nil {
			c.Logger.Debug("health check succeeded, done waiting for server")
			return nil
		}
		c.Logger.Debugf("got health check error: %s", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) healthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected health status code %d", resp.StatusCode)
	}
	return nil
}

// ID returns the identity this client connected as.
func (c *Client) ID() coord.Identity {
	return c.id
}

// SessionID returns the session assigned by the server at connect.
func (c *Client) SessionID() string {
	return c.ack.SessionID
}

// ServerVersion returns the server's coordination layer version.
func (c *Client) ServerVersion() string {
	return c.ack.Version
}

// Finalize tells the server this client is done and closes the
// connection. Idempotent.
func (c *Client) Finalize(ctx context.Context) error {
	err := wsjson.Write(ctx, c.conn, coord.ClientMessage{Finalize: true})
	if err != nil {
		c.Logger.Debugf("error sending finalize: %s", err)
	}
	c.close(websocket.StatusNormalClosure, "")
	return err
}

func (c *Client) close(code websocket.StatusCode, reason string) {
	c.closeConnOnce.Do(func() {
		if err := c.conn.Close(code, reason); err != nil {
			c.Logger.Debugf("error closing conn: %s", err)
		}
	})
}
