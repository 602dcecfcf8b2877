/*
 * Copyright 2022 RapidLoop, Inc.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package muscle

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Gateway is the pg-api-muscle server: a dual plain/TLS acceptor that
// translates validated REST calls into parameterized SQL per tenant.
type Gateway struct {
	cfg     *CommonConfig
	logger  zerolog.Logger
	tenants map[string]*Tenant

	lnr         net.Listener
	checkIP     bool
	bgctx       context.Context
	bgctxcancel context.CancelFunc
	sweeper     *sweeper

	// exit is called after a SHUTDOWN response is written; tests may
	// replace it.
	exit func(code int)
}

// NewGateway creates a gateway from a loaded configuration. The
// configuration must be valid.
func NewGateway(cfg *CommonConfig, logger zerolog.Logger) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("invalid configuration: is nil")
	}
	if err := cfg.IsValid(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &Gateway{
		cfg:     cfg,
		logger:  logger,
		tenants: make(map[string]*Tenant),
		checkIP: cfg.ClientIPAllow != "0.0.0.0",
		exit:    os.Exit,
	}, nil
}

// Start brings up all tenants and the listener, then accepts connections in
// the background.
func (g *Gateway) Start() error {
	g.bgctx, g.bgctxcancel = context.WithCancel(context.Background())

	for _, prefix := range g.cfg.ActiveContexts {
		t, err := NewTenant(g.bgctx, g.cfg.Contexts[prefix], g.logger)
		if err != nil {
			g.logger.Error().Err(err).Str("context", prefix).Msg("failed to set up context")
			g.Stop()
			return err
		}
		g.tenants[prefix] = t
	}

	// periodic sweep keeps expired cache bodies from pinning memory
	// between inserts
	g.sweeper = newSweeper(g.logger)
	if err := g.sweeper.schedule(g.tenants); err != nil {
		g.Stop()
		return err
	}
	g.sweeper.start()

	addr := fmt.Sprintf("%s:%d", g.cfg.Addr, g.cfg.Port)
	lnr, err := net.Listen("tcp", addr)
	if err != nil {
		g.Stop()
		return err
	}
	if g.cfg.HTTPS {
		cert, err := tls.LoadX509KeyPair(g.cfg.CertFile, g.cfg.CertPass)
		if err != nil {
			lnr.Close()
			g.Stop()
			return fmt.Errorf("cannot load certificate %q: %w", g.cfg.CertFile, err)
		}
		lnr = tls.NewListener(lnr, &tls.Config{Certificates: []tls.Certificate{cert}})
	}
	g.lnr = lnr

	go g.acceptLoop(lnr)

	g.logConfig()
	g.logger.Info().Str("listen", addr).Bool("https", g.cfg.HTTPS).
		Msg("gateway started successfully")
	return nil
}

// Stop closes the listener, the sweeper and every tenant pool. In-flight
// connections finish their current write at most.
func (g *Gateway) Stop() {
	if g.lnr != nil {
		g.lnr.Close()
		g.lnr = nil
	}
	if g.sweeper != nil {
		g.sweeper.stop()
		g.sweeper = nil
	}
	if g.bgctxcancel != nil {
		g.bgctxcancel()
	}
	for _, t := range g.tenants {
		t.Close()
	}
	g.logger.Info().Msg("gateway stopped")
}

// Addr returns the bound listener address.
func (g *Gateway) Addr() net.Addr {
	if g.lnr == nil {
		return nil
	}
	return g.lnr.Addr()
}

func (g *Gateway) logConfig() {
	for _, prefix := range g.cfg.ActiveContexts {
		cc := g.cfg.Contexts[prefix]
		g.logger.Info().
			Str("context", prefix).
			Str("db", cc.DB).
			Str("api", cc.APIConf).
			Str("service_prefix", cc.PgServicePrefix).
			Bool("eq_syntax", cc.UseExtendedSyntax).
			Msg("context active")
	}
}

//------------------------------------------------------------------------------
// accept loop and per-connection handling

func (g *Gateway) acceptLoop(lnr net.Listener) {
	for {
		conn, err := lnr.Accept()
		if err != nil {
			// listener closed on Stop
			return
		}
		clientIP := remoteIP(conn)
		if g.checkIP && clientIP != g.cfg.ClientIPAllow {
			g.logger.Debug().Str("ip", clientIP).
				Msg("request ignored due to client_ip_allow restriction")
			conn.Close()
			continue
		}
		go g.handleConn(conn, clientIP)
	}
}

func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// handleConn reads one request, dispatches it and writes the response. TLS
// handshake failures and read errors abort the connection silently.
func (g *Gateway) handleConn(conn net.Conn, clientIP string) {
	defer conn.Close()

	raw, err := g.readRequest(conn)
	if err != nil {
		// handshake failure or read error before any payload
		g.logger.Error().Err(err).Str("ip", clientIP).Msg("error reading tcp stream")
		return
	}
	if len(raw) == 0 {
		return
	}

	req := ParseRequest(raw, clientIP, g.cfg.Addr)
	resp := g.dispatch(req)

	if _, err := conn.Write(resp.Frame()); err != nil {
		g.logger.Error().Err(err).Msg("failed to write data to socket")
	}

	if req.Control && req.Method == MethodShutdown {
		g.logger.Info().Msg("shutting down on request")
		g.exit(0)
	}
}

// readRequest reads in chunks of the configured size until a read returns
// fewer bytes than the chunk size or the per-read timeout elapses. A
// timeout with at least one byte read counts as end of stream.
func (g *Gateway) readRequest(conn net.Conn) ([]byte, error) {
	timeout := time.Duration(g.cfg.ReadTimeoutMS) * time.Millisecond
	chunk := make([]byte, g.cfg.ReadChunkSize)
	var buf []byte
	for {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
		n, err := conn.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			if len(buf) > 0 {
				// timeout or EOF after data: treat as end of stream
				return buf, nil
			}
			return nil, err
		}
		if n < g.cfg.ReadChunkSize {
			return buf, nil
		}
	}
}

// dispatch routes the request to its tenant, serving the control plane and
// the cache first.
func (g *Gateway) dispatch(req *Request) *Response {
	if req.Control {
		switch req.Method {
		case MethodReload:
			for _, t := range g.tenants {
				t.MarkDirty()
			}
			return jsonResponse(`{"message":"routing documents marked for reload"}`)
		case MethodShutdown:
			return jsonResponse(`{"message":"shutting down"}`)
		}
	}

	t, ok := g.tenants[req.Prefix()]
	if !ok {
		// no tenant, canned response, never cached
		return notFoundResponse()
	}
	req.ServicePrefix = t.cfg.PgServicePrefix

	if req.Method == MethodGet {
		if cached := t.cache.Get(req.Fingerprint()); cached != nil {
			t.logger.Debug().Str("key", req.Fingerprint()).Msg("serving response from cache")
			return cached
		}
	}

	resp := t.Handle(g.bgctx, req)

	if req.Method == MethodGet && resp.Status == 200 {
		t.cache.Put(req.Fingerprint(), resp)
	}
	return resp
}
