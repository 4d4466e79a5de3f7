package relay

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/matst80/couloir/internal/proto"
)

func startServer(t *testing.T, srv *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go srv.Serve(ctx, ln)
	t.Cleanup(func() {
		cancel()
		_ = ln.Close()
		srv.Registry.Shutdown()
	})
	return ln.Addr().String()
}

func newTestServer(t *testing.T, requestTimeout time.Duration) (*Server, string) {
	t.Helper()
	srv := &Server{
		Registry:       NewRegistry("my.test", ""),
		RequestTimeout: requestTimeout,
		HeaderTimeout:  2 * time.Second,
	}
	return srv, startServer(t, srv)
}

func dialT(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial relay: %v", err)
	}
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	return c
}

// openCouloir performs OPEN_COULOIR on a fresh socket and returns it together
// with its reader and the ack.
func openCouloir(t *testing.T, addr, host string) (net.Conn, *bufio.Reader, proto.OpenAck) {
	t.Helper()
	c := dialT(t, addr)
	if err := proto.Write(c, proto.TagOpen, proto.Open{Host: host}, "1"); err != nil {
		t.Fatalf("write OPEN: %v", err)
	}
	rd := bufio.NewReader(c)
	msg, err := proto.ReadMessage(rd)
	if err != nil {
		t.Fatalf("read OPEN ack: %v", err)
	}
	if msg.Tag != proto.TagAck || msg.ID != "1" {
		t.Fatalf("unexpected response %s %s", msg.Tag, msg.ID)
	}
	var ack proto.OpenAck
	if err := msg.Decode(&ack); err != nil {
		t.Fatalf("decode OPEN ack: %v", err)
	}
	return c, rd, ack
}

func joinCouloir(t *testing.T, c net.Conn, rd *bufio.Reader, key string) {
	t.Helper()
	if err := proto.Write(c, proto.TagJoin, proto.Join{Key: key}, "2"); err != nil {
		t.Fatalf("write JOIN: %v", err)
	}
	msg, err := proto.ReadMessage(rd)
	if err != nil {
		t.Fatalf("read JOIN ack: %v", err)
	}
	var ack proto.Ack
	if err := msg.Decode(&ack); err != nil {
		t.Fatalf("decode JOIN ack: %v", err)
	}
	if ack.Error != "" {
		t.Fatalf("join rejected: %s", ack.Error)
	}
}

// serveOnce acts as a joined exposer: wait for STREAM, read request bytes
// until want is satisfied, send response, close.
func serveOnce(t *testing.T, c net.Conn, rd *bufio.Reader, wantLen int, response string, got chan<- []byte) {
	t.Helper()
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	msg, err := proto.ReadMessage(rd)
	if err != nil {
		t.Errorf("read STREAM: %v", err)
		close(got)
		return
	}
	if msg.Tag != proto.TagStream {
		t.Errorf("expected STREAM, got %s", msg.Tag)
		close(got)
		return
	}
	buf := make([]byte, 0, wantLen)
	chunk := make([]byte, 1024)
	for len(buf) < wantLen {
		n, err := rd.Read(chunk)
		buf = append(buf, chunk[:n]...)
		if err != nil {
			break
		}
	}
	got <- buf
	_, _ = c.Write([]byte(response))
	_ = c.Close()
}

func readAll(t *testing.T, c net.Conn) string {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(5 * time.Second))
	b, _ := io.ReadAll(c)
	return string(b)
}

func TestDefaultNamesOnWire(t *testing.T) {
	_, addr := newTestServer(t, 0)
	c1, _, ack1 := openCouloir(t, addr, "")
	defer c1.Close()
	if ack1.Error != "" {
		t.Fatalf("open failed: %s", ack1.Error)
	}
	if ack1.Host != "couloir.my.test" || len(ack1.Key) != 48 {
		t.Errorf("first ack = %+v", ack1)
	}
	c2, _, ack2 := openCouloir(t, addr, "")
	defer c2.Close()
	if ack2.Host != "couloir2.my.test" {
		t.Errorf("second ack host = %q", ack2.Host)
	}
}

func TestRoundTrip(t *testing.T) {
	_, addr := newTestServer(t, 0)
	ec, erd, ack := openCouloir(t, addr, "")
	joinCouloir(t, ec, erd, ack.Key)

	request := "GET / HTTP/1.1\r\nHost: couloir.my.test\r\n\r\n"
	response := "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nhi"
	got := make(chan []byte, 1)
	go serveOnce(t, ec, erd, len(request), response, got)

	cc := dialT(t, addr)
	if _, err := cc.Write([]byte(request)); err != nil {
		t.Fatalf("client write: %v", err)
	}
	if body := readAll(t, cc); body != response {
		t.Errorf("client received %q, want %q", body, response)
	}
	if seen := <-got; string(seen) != request {
		t.Errorf("exposer received %q, want %q", seen, request)
	}
}

func TestPrefaceFidelityAcrossChunks(t *testing.T) {
	_, addr := newTestServer(t, 0)
	ec, erd, ack := openCouloir(t, addr, "")
	joinCouloir(t, ec, erd, ack.Key)

	p := "POST /data HTTP/1.1\r\nHost: couloir.my.test\r\nContent-Length: 8\r\n\r\nabc"
	q := "defgh"
	response := "HTTP/1.1 204 No Content\r\n\r\n"
	got := make(chan []byte, 1)
	go serveOnce(t, ec, erd, len(p)+len(q), response, got)

	cc := dialT(t, addr)
	// drip the request so chunk boundaries fall mid-line and mid-body
	for _, part := range []string{p[:9], p[9:30], p[30:], q[:2], q[2:]} {
		if _, err := cc.Write([]byte(part)); err != nil {
			t.Fatalf("client write: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if body := readAll(t, cc); body != response {
		t.Errorf("client received %q", body)
	}
	if seen := <-got; string(seen) != p+q {
		t.Errorf("exposer received %q, want %q", seen, p+q)
	}
}

func TestUnknownHost404(t *testing.T) {
	_, addr := newTestServer(t, 0)
	cc := dialT(t, addr)
	_, _ = cc.Write([]byte("GET / HTTP/1.1\r\nHost: missing.my.test\r\n\r\n"))
	body := readAll(t, cc)
	if !strings.HasPrefix(body, "HTTP/1.1 404 ") {
		t.Errorf("response = %q", body)
	}
}

func TestRelayDomainHint(t *testing.T) {
	_, addr := newTestServer(t, 0)
	cc := dialT(t, addr)
	_, _ = cc.Write([]byte("GET / HTTP/1.1\r\nHost: my.test\r\n\r\n"))
	body := readAll(t, cc)
	if !strings.HasPrefix(body, "HTTP/1.1 200 ") {
		t.Errorf("status line: %q", body)
	}
	if !strings.Contains(body, "To open a new couloir") {
		t.Errorf("hint page missing marker: %q", body)
	}
}

func TestHostPortStripped(t *testing.T) {
	_, addr := newTestServer(t, 0)
	ec, erd, ack := openCouloir(t, addr, "")
	joinCouloir(t, ec, erd, ack.Key)

	request := "GET / HTTP/1.1\r\nHost: couloir.my.test:8443\r\n\r\n"
	response := "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"
	got := make(chan []byte, 1)
	go serveOnce(t, ec, erd, len(request), response, got)

	cc := dialT(t, addr)
	_, _ = cc.Write([]byte(request))
	if body := readAll(t, cc); body != response {
		t.Errorf("client received %q", body)
	}
	<-got
}

func TestInvalidProtocol400(t *testing.T) {
	_, addr := newTestServer(t, 0)
	cc := dialT(t, addr)
	_, _ = cc.Write([]byte("GARBAGE\r\n"))
	body := readAll(t, cc)
	if !strings.HasPrefix(body, "HTTP/1.1 400 ") {
		t.Errorf("response = %q", body)
	}
}

func TestDuplicateOpenOnWire(t *testing.T) {
	_, addr := newTestServer(t, 0)
	c1, _, ack1 := openCouloir(t, addr, "x.my.test")
	defer c1.Close()
	if ack1.Error != "" {
		t.Fatalf("first open failed: %s", ack1.Error)
	}
	c2, _, ack2 := openCouloir(t, addr, "x.my.test")
	defer c2.Close()
	if ack2.Error != "Couloir host x.my.test is already opened" {
		t.Errorf("second open ack = %+v", ack2)
	}
}

func TestJoinUnknownKey(t *testing.T) {
	_, addr := newTestServer(t, 0)
	c := dialT(t, addr)
	defer c.Close()
	if err := proto.Write(c, proto.TagJoin, proto.Join{Key: "deadbeef"}, "9"); err != nil {
		t.Fatalf("write JOIN: %v", err)
	}
	msg, err := proto.ReadMessage(bufio.NewReader(c))
	if err != nil {
		t.Fatalf("read ack: %v", err)
	}
	var ack proto.Ack
	_ = msg.Decode(&ack)
	if ack.Error != "Invalid couloir key. Please restart your couloir client." {
		t.Errorf("ack error = %q", ack.Error)
	}
}

func TestExposerChurnTearsDown(t *testing.T) {
	srv, addr := newTestServer(t, 0)
	ec, erd, ack := openCouloir(t, addr, "x.my.test")
	joinCouloir(t, ec, erd, ack.Key)
	_ = ec.Close()

	deadline := time.Now().Add(3 * time.Second)
	for srv.Registry.Has("x.my.test") && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if srv.Registry.Has("x.my.test") {
		t.Fatal("couloir still registered after its last exposer left")
	}

	cc := dialT(t, addr)
	_, _ = cc.Write([]byte("GET / HTTP/1.1\r\nHost: x.my.test\r\n\r\n"))
	if body := readAll(t, cc); !strings.HasPrefix(body, "HTTP/1.1 404 ") {
		t.Errorf("post-churn response = %q", body)
	}
}

func TestClientTimeout504(t *testing.T) {
	_, addr := newTestServer(t, 200*time.Millisecond)
	// open but never join: the couloir exists with no idle exposer
	ec, _, ack := openCouloir(t, addr, "slow.my.test")
	defer ec.Close()
	if ack.Error != "" {
		t.Fatalf("open failed: %s", ack.Error)
	}
	cc := dialT(t, addr)
	_, _ = cc.Write([]byte("GET / HTTP/1.1\r\nHost: slow.my.test\r\n\r\n"))
	body := readAll(t, cc)
	if !strings.HasPrefix(body, "HTTP/1.1 504 ") {
		t.Errorf("response = %q", body)
	}
}

func TestHeaderTimeout408(t *testing.T) {
	srv := &Server{Registry: NewRegistry("my.test", ""), HeaderTimeout: 200 * time.Millisecond}
	addr := startServer(t, srv)
	cc := dialT(t, addr)
	_, _ = cc.Write([]byte("GET / HT")) // stall mid request line
	body := readAll(t, cc)
	if !strings.HasPrefix(body, "HTTP/1.1 408 ") {
		t.Errorf("response = %q", body)
	}
}

func TestPrefaceOverflow400(t *testing.T) {
	srv := &Server{Registry: NewRegistry("my.test", ""), MaxPreface: 512}
	addr := startServer(t, srv)
	cc := dialT(t, addr)
	junk := "GET /" + strings.Repeat("a", 2048) // no CRLF in sight
	_, _ = cc.Write([]byte(junk))
	body := readAll(t, cc)
	if !strings.HasPrefix(body, "HTTP/1.1 400 ") {
		t.Errorf("response = %q", body)
	}
}

func TestConcurrentPairs(t *testing.T) {
	_, addr := newTestServer(t, 0)
	_, _, ack := openCouloir(t, addr, "multi.my.test")
	if ack.Error != "" {
		t.Fatalf("open: %s", ack.Error)
	}

	const n = 3
	request := "GET / HTTP/1.1\r\nHost: multi.my.test\r\n\r\n"
	for i := 0; i < n; i++ {
		ec := dialT(t, addr)
		erd := bufio.NewReader(ec)
		joinCouloir(t, ec, erd, ack.Key)
		got := make(chan []byte, 1)
		go serveOnce(t, ec, erd, len(request), "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok", got)
	}
	for i := 0; i < n; i++ {
		cc := dialT(t, addr)
		_, _ = cc.Write([]byte(request))
		if body := readAll(t, cc); !strings.HasSuffix(body, "ok") {
			t.Errorf("client %d received %q", i, body)
		}
	}
}

func TestHalfCloseReachesClient(t *testing.T) {
	_, addr := newTestServer(t, 0)
	ec, erd, ack := openCouloir(t, addr, "")
	joinCouloir(t, ec, erd, ack.Key)

	request := "GET / HTTP/1.1\r\nHost: couloir.my.test\r\n\r\n"
	got := make(chan []byte, 1)
	go serveOnce(t, ec, erd, len(request), "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n", got)

	cc := dialT(t, addr)
	_, _ = cc.Write([]byte(request))
	// the exposer closes after responding; the splice must forward the FIN
	// instead of holding the client open
	var buf bytes.Buffer
	_ = cc.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, err := io.Copy(&buf, cc); err != nil {
		t.Fatalf("client read ended with %v", err)
	}
	<-got
}
