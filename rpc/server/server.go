// Package server implements the pathkvs line protocol on top of a TCP
// listener. Every accepted connection gets its own session goroutine; all
// sessions share one kv.DB.
package server

import (
	"bufio"
	"fmt"
	"net"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"

	"github.com/ValentinKolb/pathkvs/lib/kv"
	"github.com/ValentinKolb/pathkvs/rpc/common"
)

var Logger = logger.GetLogger("server")

// request/response accounting, exported on the optional metrics endpoint
var (
	mConnections = metrics.NewCounter(`pathkvs_connections_total`)
	mRequests    = metrics.NewCounter(`pathkvs_requests_total`)
	mConflicts   = metrics.NewCounter(`pathkvs_conflicts_total`)
	mMalformed   = metrics.NewCounter(`pathkvs_malformed_requests_total`)
)

// Server accepts connections and runs one protocol session per connection.
type Server struct {
	db     *kv.DB
	config common.ServerConfig
}

// New creates a server for db with the given configuration.
func New(db *kv.DB, config common.ServerConfig) *Server {
	return &Server{db: db, config: config}
}

// ListenAndServe creates the TCP listener and serves until the listener
// fails.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.config.Endpoint)
	if err != nil {
		return fmt.Errorf("failed to create TCP socket: %v", err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on l. Exposed separately so tests can serve on
// an ephemeral port.
func (s *Server) Serve(l net.Listener) error {
	Logger.Infof("Starting server on %s", l.Addr())

	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		if err := s.upgradeConnection(conn); err != nil {
			Logger.Warningf("Failed to tune connection: %v", err)
		}
		mConnections.Inc()
		go s.handleConnection(conn)
	}
}

// upgradeConnection applies socket tuning from the configuration to a TCP
// connection.
func (s *Server) upgradeConnection(conn net.Conn) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return nil // not a TCP connection, nothing to tune
	}

	if err := tcpConn.SetNoDelay(s.config.TCPNoDelay); err != nil {
		return err
	}

	if s.config.WriteBufferSize > 0 {
		if err := tcpConn.SetWriteBuffer(s.config.WriteBufferSize); err != nil {
			return err
		}
	}

	if s.config.ReadBufferSize > 0 {
		if err := tcpConn.SetReadBuffer(s.config.ReadBufferSize); err != nil {
			return err
		}
	}

	if s.config.TCPKeepAliveSec > 0 {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			return err
		}
		if err := tcpConn.SetKeepAlivePeriod(time.Duration(s.config.TCPKeepAliveSec) * time.Second); err != nil {
			return err
		}
	}

	return nil
}

// handleConnection runs the session loop for one connection. Commands on a
// connection are strictly sequential - a session owns at most one
// transaction, which is single-owner by contract.
func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	timeout := time.Duration(s.config.TimeoutSecond) * time.Second
	sess := newSession(s.db)
	defer sess.close()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	for {
		if timeout > 0 {
			if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
				Logger.Errorf("Failed to set read deadline: %v", err)
				return
			}
		}

		line, err := r.ReadString('\n')
		if err != nil {
			Logger.Debugf("Connection closed: %v", err)
			return
		}
		line = line[:len(line)-1]

		mRequests.Inc()
		cmd, perr := common.ParseCommand(line)
		if perr != nil {
			mMalformed.Inc()
			sess.respondErr(w, perr)
		} else if cmd.Kind == common.CmdQuit {
			_ = w.Flush()
			return
		} else {
			sess.execute(w, cmd)
		}

		if timeout > 0 {
			if err := conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
				Logger.Errorf("Failed to set write deadline: %v", err)
				return
			}
		}
		if err := w.Flush(); err != nil {
			Logger.Errorf("Failed to write response: %v", err)
			return
		}
	}
}
