package relay

import (
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/matst80/couloir/internal/obs"
	"github.com/matst80/couloir/internal/proto"
)

// servePair turns a claimed exposer socket into one half of a bound pair:
// STREAM first, then the client's buffered preface, then the raw splice.
// Runs on the exposer socket's goroutine.
func (srv *Server) servePair(s *exposerSocket, pc *pendingClient) {
	<-pc.claimed // the poke precedes this; deadlines are ours to reset now
	_ = s.conn.SetReadDeadline(time.Time{})
	_ = pc.conn.SetReadDeadline(time.Time{})
	start := time.Now()
	defer func() {
		srv.Registry.PairDone(s)
		obs.PairDurationSeconds.Observe(time.Since(start).Seconds())
	}()

	id := strconv.FormatUint(srv.streamSeq.Add(1), 10)
	if err := proto.Write(s.conn, proto.TagStream, proto.Stream{}, id); err != nil {
		obs.ErrorsTotal.WithLabelValues("stream_write").Inc()
		_ = s.conn.Close()
		_ = pc.conn.Close()
		return
	}
	if _, err := s.conn.Write(pc.preface); err != nil {
		obs.ErrorsTotal.WithLabelValues("preface_replay").Inc()
		_ = s.conn.Close()
		_ = pc.conn.Close()
		return
	}
	obs.Info("pair.established", obs.Fields{"host": s.host, "preface_bytes": len(pc.preface)})
	splice(pc.conn, s.conn, s.rd)
}

type closeWriter interface {
	CloseWrite() error
}

// closeWrite half-closes c so the peer sees a clean FIN; falls back to a full
// close for streams without a write side.
func closeWrite(c net.Conn) {
	if cw, ok := c.(closeWriter); ok {
		_ = cw.CloseWrite()
		return
	}
	_ = c.Close()
}

// splice copies both directions byte for byte. Each direction's EOF is
// propagated to the peer as a half-close; both sockets are fully closed once
// both directions end.
func splice(client, exposer net.Conn, exposerRd io.Reader) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(exposer, client)
		closeWrite(exposer)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(client, exposerRd)
		closeWrite(client)
	}()
	wg.Wait()
	_ = client.Close()
	_ = exposer.Close()
}
