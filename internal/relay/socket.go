package relay

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/matst80/couloir/internal/httpx"
	"github.com/matst80/couloir/internal/obs"
	"github.com/matst80/couloir/internal/proto"
)

var crlf = []byte("\r\n")

// idlePoll bounds how long an idle exposer's Peek sleeps between liveness
// checks; a pairing claim pokes the deadline so promotion is immediate.
const idlePoll = 30 * time.Second

// exposerSocket is a joined, idle exposer-side socket. Its goroutine owns all
// reads; pairing hands it a client by setting pair and poking the read
// deadline so the idle Peek returns immediately.
type exposerSocket struct {
	conn net.Conn
	rd   *bufio.Reader
	host string

	mu   sync.Mutex
	pair *pendingClient
}

// setPair assigns the client under the registry lock, together with the pop
// from the idle set, so a disconnect observer can never see the socket in
// neither state.
func (s *exposerSocket) setPair(pc *pendingClient) {
	s.mu.Lock()
	s.pair = pc
	s.mu.Unlock()
}

// poke wakes the socket's goroutine out of its idle Peek and releases the
// client handler. Runs outside the registry lock.
func (s *exposerSocket) poke(pc *pendingClient) {
	_ = s.conn.SetReadDeadline(time.Unix(1, 0))
	close(pc.claimed)
}

func (s *exposerSocket) claimed() *pendingClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pair
}

// handleConn classifies one accepted socket by its preface: a known control
// tag makes it an exposer, an HTTP request line makes it a client. The role
// is decided exactly once.
func (srv *Server) handleConn(conn net.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(srv.headerTimeout()))
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if i := bytes.Index(buf, crlf); i >= 0 {
				line := buf[:i]
				tag, _, _ := bytes.Cut(line, []byte(" "))
				if proto.RequestTag(string(tag)) {
					msg, perr := proto.ParseLine(line)
					if perr != nil {
						srv.rejectInvalid(conn, perr)
						return
					}
					srv.serveControl(conn, msg, buf[i+2:])
					return
				}
				if !httpx.ValidRequestLine(line) {
					srv.rejectInvalid(conn, errors.New("unrecognized preface"))
					return
				}
				if httpx.HasHeadEnd(buf) {
					srv.serveClient(conn, buf)
					return
				}
			}
			if len(buf) > srv.maxPreface() {
				obs.ErrorsTotal.WithLabelValues("preface_overflow").Inc()
				writePlain(conn, 400, "Bad Request")
				return
			}
			continue
		}
		if err == nil {
			continue
		}
		var ne net.Error
		switch {
		case errors.As(err, &ne) && ne.Timeout():
			obs.ErrorsTotal.WithLabelValues("header_timeout").Inc()
			writePlain(conn, 408, "Request Timeout")
		case errors.Is(err, io.EOF) && len(buf) == 0:
			// benign: peer connected and went away
			obs.Debug("socket.early_close", obs.Fields{"remote": conn.RemoteAddr().String()})
			_ = conn.Close()
		case errors.Is(err, io.EOF):
			srv.rejectInvalid(conn, errors.New("connection closed mid-preface"))
		default:
			obs.Debug("socket.read", obs.Fields{"err": err.Error()})
			_ = conn.Close()
		}
		return
	}
}

func (srv *Server) rejectInvalid(conn net.Conn, err error) {
	obs.ErrorsTotal.WithLabelValues("invalid_protocol").Inc()
	obs.Debug("socket.invalid_protocol", obs.Fields{"err": err.Error(), "remote": conn.RemoteAddr().String()})
	writePlain(conn, 400, "Bad Request")
}

// serveControl runs the exposer side of a classified socket: OPEN and JOIN
// requests, each acked on the same line ID, until the socket either joins a
// couloir (and goes idle) or dies.
func (srv *Server) serveControl(conn net.Conn, msg proto.Message, rest []byte) {
	rd := bufio.NewReader(io.MultiReader(bytes.NewReader(rest), conn))
	for {
		switch msg.Tag {
		case proto.TagOpen:
			var o proto.Open
			if err := msg.Decode(&o); err != nil {
				srv.rejectInvalid(conn, err)
				return
			}
			host, key, oerr := srv.Registry.Open(o.Host, o.Password)
			if oerr != nil {
				obs.ErrorsTotal.WithLabelValues("open_rejected").Inc()
				_ = proto.Write(conn, proto.TagAck, proto.OpenAck{Error: oerr.Error()}, msg.ID)
				_ = conn.Close()
				return
			}
			obs.Info("couloir.open", obs.Fields{"host": host, "remote": conn.RemoteAddr().String()})
			if err := proto.Write(conn, proto.TagAck, proto.OpenAck{Host: host, Key: key}, msg.ID); err != nil {
				_ = conn.Close() // orphaned couloir is reclaimed by the sweep
				return
			}
		case proto.TagJoin:
			var j proto.Join
			if err := msg.Decode(&j); err != nil {
				srv.rejectInvalid(conn, err)
				return
			}
			host, jerr := srv.Registry.ResolveKey(j.Key)
			if jerr != nil {
				obs.ErrorsTotal.WithLabelValues("unknown_key").Inc()
				_ = proto.Write(conn, proto.TagAck, proto.Ack{Error: jerr.Error()}, msg.ID)
				_ = conn.Close()
				return
			}
			// ack before entering the pool so it cannot reorder behind STREAM
			if err := proto.Write(conn, proto.TagAck, proto.Ack{}, msg.ID); err != nil {
				_ = conn.Close()
				return
			}
			s := &exposerSocket{conn: conn, rd: rd}
			if err := srv.Registry.AddExposer(host, s); err != nil {
				_ = conn.Close()
				return
			}
			obs.Debug("exposer.joined", obs.Fields{"host": host})
			srv.exposerLoop(s)
			return
		default:
			// STREAM flows relay -> exposer only
			srv.rejectInvalid(conn, errors.New("unexpected "+msg.Tag))
			return
		}

		_ = conn.SetReadDeadline(time.Now().Add(srv.headerTimeout()))
		var err error
		msg, err = proto.ReadMessage(rd)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				obs.Debug("control.read", obs.Fields{"err": err.Error()})
			}
			_ = conn.Close()
			return
		}
	}
}

// exposerLoop parks a joined socket until it is claimed for a pair or its
// peer disconnects. The Peek never consumes bytes, so a claim arriving
// together with early response data loses nothing.
func (srv *Server) exposerLoop(s *exposerSocket) {
	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(idlePoll))
		if pc := s.claimed(); pc != nil {
			srv.servePair(s, pc)
			return
		}
		_, err := s.rd.Peek(1)
		if pc := s.claimed(); pc != nil {
			srv.servePair(s, pc)
			return
		}
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			if !srv.Registry.RemoveExposer(s) {
				// popped for pairing between the Peek and the eviction
				if pc := s.claimed(); pc != nil {
					srv.servePair(s, pc)
					return
				}
			}
			_ = s.conn.Close()
			obs.Debug("exposer.idle_closed", obs.Fields{"host": s.host, "err": err.Error()})
			return
		}
		// bytes before STREAM: the exposer spoke out of turn
		obs.ErrorsTotal.WithLabelValues("exposer_early_bytes").Inc()
		if !srv.Registry.RemoveExposer(s) {
			if pc := s.claimed(); pc != nil {
				srv.servePair(s, pc)
				return
			}
		}
		_ = s.conn.Close()
		return
	}
}

// serveClient routes a classified HTTP socket by its Host header and waits
// for pairing, answering 504 if no exposer frees up in time.
func (srv *Server) serveClient(conn net.Conn, preface []byte) {
	head, err := httpx.ParseHead(preface)
	if err != nil {
		srv.rejectInvalid(conn, err)
		return
	}
	host := strings.ToLower(httpx.StripPort(head.Get("Host")))
	if host == "" {
		srv.rejectInvalid(conn, errors.New("missing Host header"))
		return
	}
	if host == srv.Registry.Domain() {
		srv.writePage(conn, 200, "home", map[string]any{"Domain": srv.Registry.Domain()})
		return
	}
	pc := &pendingClient{
		conn:     conn,
		preface:  preface,
		host:     host,
		enqueued: time.Now(),
		claimed:  make(chan struct{}),
	}
	switch err := srv.Registry.RouteClient(host, pc); {
	case errors.Is(err, ErrNoSuchCouloir):
		obs.ErrorsTotal.WithLabelValues("no_such_couloir").Inc()
		srv.writePage(conn, 404, "notfound", map[string]any{"Host": host})
		return
	case errors.Is(err, ErrClosing):
		writePlain(conn, 503, "Service Unavailable")
		return
	case err != nil:
		writePlain(conn, 500, "Internal Server Error")
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	timer := time.NewTimer(srv.requestTimeout())
	defer timer.Stop()
	select {
	case <-pc.claimed:
		// ownership moved to the exposer socket's goroutine
	case <-timer.C:
		if !srv.Registry.CancelPending(pc) {
			<-pc.claimed // lost the race: pairing took it after all
			return
		}
		obs.ClientTimeoutsTotal.Inc()
		obs.ErrorsTotal.WithLabelValues("client_timeout").Inc()
		srv.writePage(conn, 504, "timeout", map[string]any{
			"Host": host,
			"Wait": srv.requestTimeout().String(),
		})
	}
}
