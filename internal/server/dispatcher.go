// Package server turns WebSocket upgrade requests into hub sessions and runs
// the read side of each connection.
package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/Tyrowin/chathub/internal/auth"
	"github.com/Tyrowin/chathub/internal/hub"
	"github.com/Tyrowin/chathub/internal/protocol"
)

const routeTimeout = 10 * time.Second

// Dispatcher authenticates WebSocket upgrades, registers sessions with the
// hub and routes decoded client frames to it.
type Dispatcher struct {
	hub      *hub.Hub
	auth     Authenticator
	upgrader websocket.Upgrader
	log      *logrus.Entry

	maxFrameBytes int64
	readWait      time.Duration
	rateBurst     int
	rateWindow    time.Duration
}

// DispatcherConfig holds the per-connection limits.
type DispatcherConfig struct {
	MaxFrameBytes int64
	ReadWait      time.Duration
	RateBurst     int
	RateWindow    time.Duration
}

// NewDispatcher creates a Dispatcher. Origins are checked with policy.
func NewDispatcher(h *hub.Hub, authn Authenticator, policy *originPolicy, cfg DispatcherConfig, log *logrus.Entry) *Dispatcher {
	return &Dispatcher{
		hub:  h,
		auth: authn,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     policy.checkOrigin,
		},
		log:           log.WithField("comp", "dispatcher"),
		maxFrameBytes: cfg.MaxFrameBytes,
		readWait:      cfg.ReadWait,
		rateBurst:     cfg.RateBurst,
		rateWindow:    cfg.RateWindow,
	}
}

// ServeHTTP validates room_id and token before upgrading, so rejected
// clients never get a session.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID, err := strconv.ParseUint(r.URL.Query().Get("room_id"), 10, 64)
	if err != nil || roomID == 0 {
		writeError(w, http.StatusBadRequest, "invalid room_id")
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = auth.BearerToken(r.Header.Get("Authorization"))
	}
	identity, err := d.auth.Authenticate(r.Context(), token)
	if err != nil {
		if errors.Is(err, hub.ErrUnauthorized) {
			d.log.WithError(err).Debug("refusing unauthenticated websocket")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		d.log.WithError(err).Error("error authenticating websocket")
		writeError(w, http.StatusInternalServerError, "authentication failed")
		return
	}

	if _, err := d.hub.Room(r.Context(), uint(roomID)); err != nil {
		if errors.Is(err, hub.ErrRoomNotFound) {
			writeError(w, http.StatusNotFound, "room not found")
			return
		}
		d.log.WithError(err).Error("error resolving room")
		writeError(w, http.StatusInternalServerError, "failed to resolve room")
		return
	}

	conn, err := d.upgrader.Upgrade(w, r, nil)
	if err != nil {
		d.log.WithError(err).Info("websocket upgrade failed")
		return
	}
	conn.SetReadLimit(d.maxFrameBytes)
	transport := newWSTransport(conn)

	sess, err := d.hub.Connect(context.Background(), uint(roomID), identity, transport)
	if err != nil {
		d.log.WithError(err).WithField("room_id", roomID).Info("closing websocket, connect failed")
		_ = transport.Close(err)
		return
	}

	d.readPump(conn, sess)
}

// readPump reads frames until the connection fails, then disconnects the
// session. Session closes initiated by the hub close the connection, which
// ends this loop too.
func (d *Dispatcher) readPump(conn *websocket.Conn, sess *hub.Session) {
	log := d.log.WithFields(logrus.Fields{"session_id": sess.ID(), "room_id": sess.RoomID()})
	var reason error
	defer func() {
		d.hub.Disconnect(sess.ID(), reason)
	}()

	d.setupReadConnection(conn, sess, log)
	limiter := newSessionLimiter(d.rateBurst, d.rateWindow)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			reason = d.handleReadError(err, log)
			return
		}
		d.extendReadDeadline(conn, log)

		if err := d.processFrame(sess, raw, limiter, log); errors.Is(err, hub.ErrSessionClosed) {
			return
		}
	}
}

func (d *Dispatcher) setupReadConnection(conn *websocket.Conn, sess *hub.Session, log *logrus.Entry) {
	d.extendReadDeadline(conn, log)
	conn.SetPongHandler(func(string) error {
		sess.RecordPong()
		d.extendReadDeadline(conn, log)
		return nil
	})
}

func (d *Dispatcher) extendReadDeadline(conn *websocket.Conn, log *logrus.Entry) {
	if err := conn.SetReadDeadline(time.Now().Add(d.readWait)); err != nil {
		log.WithError(err).Debug("error setting read deadline")
	}
}

// handleReadError logs the read failure and returns the reason to record on
// the session; expected closes yield nil.
func (d *Dispatcher) handleReadError(err error, log *logrus.Entry) error {
	if errors.Is(err, websocket.ErrReadLimit) {
		log.WithField("limit", d.maxFrameBytes).Info("frame exceeded maximum size")
		return err
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		log.Debug("client closed connection")
		return nil
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) {
		log.WithError(err).Debug("connection closed")
		return nil
	}

	log.WithError(err).Info("websocket read error")
	return err
}

// processFrame decodes and routes one frame. Malformed frames and frames over
// the rate limit are dropped without closing the connection.
func (d *Dispatcher) processFrame(sess *hub.Session, raw []byte, limiter *rate.Limiter, log *logrus.Entry) error {
	in, err := protocol.DecodeInbound(raw)
	if err != nil {
		log.WithField("size", len(raw)).Debug("dropping malformed frame")
		return nil
	}

	if in.Type != protocol.TypePing && !limiter.Allow() {
		log.WithField("type", in.Type).Debug("rate limit exceeded, dropping frame")
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), routeTimeout)
	defer cancel()
	return d.hub.Route(ctx, sess.ID(), in)
}
