package relay

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/matst80/couloir/internal/obs"
)

// Wire-visible error messages. ErrUnknownKey and the host-taken error reach
// the exposer verbatim inside an ACK payload.
var (
	ErrUnknownKey    = errors.New("Invalid couloir key. Please restart your couloir client.")
	ErrAuthFailed    = errors.New("invalid password")
	ErrNoSuchCouloir = errors.New("no couloir for host")
	ErrClosing       = errors.New("relay is shutting down")
)

const keyBytes = 24

// pendingClient is a classified HTTP client socket awaiting an exposer.
// preface holds every byte read from the socket so far; it is replayed
// verbatim into the exposer before splicing.
type pendingClient struct {
	conn     net.Conn
	preface  []byte
	host     string
	enqueued time.Time
	claimed  chan struct{} // closed when an exposer socket takes ownership
}

// Couloir is one named tunnel: a host under the relay domain plus the sockets
// currently serving it.
type Couloir struct {
	Host      string
	Key       string
	createdAt time.Time
	joined    bool // an exposer has joined at least once
	exposers  []*exposerSocket
	pending   []*pendingClient
}

// Registry is the process-wide couloir table and the single serialization
// point for all cross-socket state. Pairing decisions happen under its lock;
// the byte splicing they set up runs outside it.
type Registry struct {
	domain    string
	password  string
	hostRE    *regexp.Regexp

	mu          sync.Mutex
	byHost      map[string]*Couloir
	byKey       map[string]string
	counter     int
	pairs       map[*exposerSocket]*pendingClient
	activePairs map[string]int // host -> bound pair count
	closing     bool
	pairedTotal int64
	timeouts    int64

	// Hooks wired at startup, called outside the lock. All optional.
	OnOpen   func(host string)
	OnClose  func(host string)
	WarmCert func(host string)
}

// NewRegistry creates an empty registry for the given relay domain. An empty
// password disables authentication.
func NewRegistry(domain, password string) *Registry {
	domain = strings.ToLower(domain)
	return &Registry{
		domain:      domain,
		password:    password,
		hostRE:      regexp.MustCompile(`^[a-z0-9-]+\.` + regexp.QuoteMeta(domain) + `$`),
		byHost:      make(map[string]*Couloir),
		byKey:       make(map[string]string),
		pairs:       make(map[*exposerSocket]*pendingClient),
		activePairs: make(map[string]int),
	}
}

// Domain returns the relay's base domain.
func (r *Registry) Domain() string { return r.domain }

// Open registers a new couloir. An absent host, or one outside the relay
// domain, gets a synthesized default name; the default counter is monotonic
// for the life of the process and names are never reused.
func (r *Registry) Open(host, password string) (string, string, error) {
	if r.password != "" && subtle.ConstantTimeCompare([]byte(password), []byte(r.password)) != 1 {
		return "", "", ErrAuthFailed
	}
	host = strings.ToLower(strings.TrimSpace(host))

	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return "", "", ErrClosing
	}
	if host == "" || !strings.HasSuffix(host, "."+r.domain) {
		r.counter++
		if r.counter == 1 {
			host = "couloir." + r.domain
		} else {
			host = fmt.Sprintf("couloir%d.%s", r.counter, r.domain)
		}
	} else if !r.hostRE.MatchString(host) {
		r.mu.Unlock()
		return "", "", fmt.Errorf("invalid couloir host %s", host)
	}
	if _, exists := r.byHost[host]; exists {
		r.mu.Unlock()
		return "", "", fmt.Errorf("Couloir host %s is already opened", host)
	}
	key := randomKey()
	for _, dup := r.byKey[key]; dup; _, dup = r.byKey[key] {
		key = randomKey()
	}
	r.byHost[host] = &Couloir{Host: host, Key: key, createdAt: time.Now()}
	r.byKey[key] = host
	obs.OpenCouloirs.Set(float64(len(r.byHost)))
	r.mu.Unlock()

	if r.OnOpen != nil {
		r.OnOpen(host)
	}
	if r.WarmCert != nil {
		r.WarmCert(host)
	}
	return host, key, nil
}

// ResolveKey maps a couloir key back to its host.
func (r *Registry) ResolveKey(key string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	host, ok := r.byKey[key]
	if !ok {
		return "", ErrUnknownKey
	}
	return host, nil
}

// AddExposer inserts a joined socket into its couloir's idle set and pairs it
// with a waiting client if one is queued.
func (r *Registry) AddExposer(host string, s *exposerSocket) error {
	r.mu.Lock()
	c, ok := r.byHost[host]
	if !ok || r.closing {
		r.mu.Unlock()
		return ErrNoSuchCouloir
	}
	s.host = host
	c.joined = true
	c.exposers = append(c.exposers, s)
	obs.IdleExposers.Inc()
	claims := r.match(c)
	r.mu.Unlock()

	runClaims(claims)
	return nil
}

// RouteClient enqueues a classified client socket on the couloir registered
// for host and pairs it immediately if an exposer is idle.
func (r *Registry) RouteClient(host string, pc *pendingClient) error {
	r.mu.Lock()
	if r.closing {
		r.mu.Unlock()
		return ErrClosing
	}
	c, ok := r.byHost[host]
	if !ok {
		r.mu.Unlock()
		return ErrNoSuchCouloir
	}
	pc.host = host
	c.pending = append(c.pending, pc)
	obs.PendingClients.Inc()
	claims := r.match(c)
	r.mu.Unlock()

	runClaims(claims)
	return nil
}

type pairClaim struct {
	e  *exposerSocket
	pc *pendingClient
}

func runClaims(claims []pairClaim) {
	for _, cl := range claims {
		cl.e.poke(cl.pc)
	}
}

// match pops exposer/client pairs FIFO on both sides. Caller holds r.mu; the
// pair assignment happens here, the wake-up pokes after unlock.
func (r *Registry) match(c *Couloir) []pairClaim {
	var claims []pairClaim
	for len(c.exposers) > 0 && len(c.pending) > 0 {
		e := c.exposers[0]
		c.exposers = c.exposers[1:]
		pc := c.pending[0]
		c.pending = c.pending[1:]
		e.setPair(pc)
		r.pairs[e] = pc
		r.activePairs[c.Host]++
		r.pairedTotal++
		obs.IdleExposers.Dec()
		obs.PendingClients.Dec()
		obs.ActivePairs.Inc()
		obs.PairedTotal.Inc()
		claims = append(claims, pairClaim{e: e, pc: pc})
	}
	return claims
}

// RemoveExposer evicts a disconnected idle socket and tears the couloir down
// if nothing else keeps it alive. It returns false when the socket was no
// longer idle because pairing claimed it first; the caller must then serve
// the pair instead of discarding the socket.
func (r *Registry) RemoveExposer(s *exposerSocket) bool {
	r.mu.Lock()
	c, ok := r.byHost[s.host]
	if !ok {
		r.mu.Unlock()
		return true // couloir gone: nothing can claim the socket anymore
	}
	removed := false
	for i, e := range c.exposers {
		if e == s {
			c.exposers = append(c.exposers[:i], c.exposers[i+1:]...)
			obs.IdleExposers.Dec()
			removed = true
			break
		}
	}
	var closed string
	if removed {
		closed = r.maybeTeardown(c)
	}
	r.mu.Unlock()
	r.notifyClosed(closed)
	return removed
}

// CancelPending removes a waiting client from its queue. It returns false
// when the client was already claimed by an exposer.
func (r *Registry) CancelPending(pc *pendingClient) bool {
	r.mu.Lock()
	c, ok := r.byHost[pc.host]
	if !ok {
		r.mu.Unlock()
		return false
	}
	for i, q := range c.pending {
		if q == pc {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			obs.PendingClients.Dec()
			r.timeouts++
			closed := r.maybeTeardown(c)
			r.mu.Unlock()
			r.notifyClosed(closed)
			return true
		}
	}
	r.mu.Unlock()
	return false
}

// PairDone records the end of a bound pair. Exposer sockets are single-use,
// so this is also the socket's disconnect: the teardown check runs here.
func (r *Registry) PairDone(s *exposerSocket) {
	r.mu.Lock()
	delete(r.pairs, s)
	if n := r.activePairs[s.host]; n > 1 {
		r.activePairs[s.host] = n - 1
	} else {
		delete(r.activePairs, s.host)
	}
	obs.ActivePairs.Dec()
	var closed string
	if c, ok := r.byHost[s.host]; ok {
		closed = r.maybeTeardown(c)
	}
	r.mu.Unlock()
	r.notifyClosed(closed)
}

// maybeTeardown deletes c when it has been joined at least once and has no
// idle exposers, no pending clients and no bound pairs. A never-joined couloir
// is left for SweepOrphans. Caller holds r.mu. Returns the host when deleted.
func (r *Registry) maybeTeardown(c *Couloir) string {
	if !c.joined || len(c.exposers) > 0 || len(c.pending) > 0 || r.activePairs[c.Host] > 0 {
		return ""
	}
	delete(r.byHost, c.Host)
	delete(r.byKey, c.Key)
	obs.OpenCouloirs.Set(float64(len(r.byHost)))
	return c.Host
}

func (r *Registry) notifyClosed(host string) {
	if host == "" {
		return
	}
	obs.Info("couloir.closed", obs.Fields{"host": host})
	if r.OnClose != nil {
		r.OnClose(host)
	}
}

// SweepOrphans deletes couloirs that were opened but never joined within
// grace. An exposer dying between OPEN and JOIN must not leak a name forever.
func (r *Registry) SweepOrphans(grace time.Duration) int {
	cutoff := time.Now().Add(-grace)
	var hosts []string
	r.mu.Lock()
	for host, c := range r.byHost {
		if !c.joined && len(c.pending) == 0 && r.activePairs[host] == 0 && c.createdAt.Before(cutoff) {
			delete(r.byHost, host)
			delete(r.byKey, c.Key)
			hosts = append(hosts, host)
		}
	}
	if len(hosts) > 0 {
		obs.OpenCouloirs.Set(float64(len(r.byHost)))
	}
	r.mu.Unlock()
	for _, h := range hosts {
		obs.Info("couloir.orphan_swept", obs.Fields{"host": h})
		if r.OnClose != nil {
			r.OnClose(h)
		}
	}
	return len(hosts)
}

// Has reports whether host is currently registered (or the apex itself).
// The certificate host policy uses it.
func (r *Registry) Has(host string) bool {
	host = strings.ToLower(host)
	if host == r.domain {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.byHost[host]
	return ok
}

// Stats is a point-in-time snapshot for dashboards and the state API.
type Stats struct {
	Couloirs       int   `json:"couloirs"`
	IdleExposers   int   `json:"idle_exposers"`
	PendingClients int   `json:"pending_clients"`
	ActivePairs    int   `json:"active_pairs"`
	PairedTotal    int64 `json:"paired_total"`
	Timeouts       int64 `json:"timeouts"`
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Stats{Couloirs: len(r.byHost), PairedTotal: r.pairedTotal, Timeouts: r.timeouts}
	for _, c := range r.byHost {
		st.IdleExposers += len(c.exposers)
		st.PendingClients += len(c.pending)
	}
	for _, n := range r.activePairs {
		st.ActivePairs += n
	}
	return st
}

// Shutdown refuses new work and closes every tracked socket: idle exposers,
// pending clients and bound pairs.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.closing = true
	var conns []net.Conn
	var waiters []chan struct{}
	for _, c := range r.byHost {
		for _, e := range c.exposers {
			conns = append(conns, e.conn)
		}
		for _, pc := range c.pending {
			conns = append(conns, pc.conn)
			waiters = append(waiters, pc.claimed)
		}
	}
	for e, pc := range r.pairs {
		conns = append(conns, e.conn, pc.conn)
	}
	r.byHost = make(map[string]*Couloir)
	r.byKey = make(map[string]string)
	r.pairs = make(map[*exposerSocket]*pendingClient)
	r.activePairs = make(map[string]int)
	obs.OpenCouloirs.Set(0)
	r.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	for _, w := range waiters {
		close(w)
	}
}

func randomKey() string {
	b := make([]byte, keyBytes)
	if _, err := rand.Read(b); err != nil {
		panic(err) // crypto/rand never fails on supported platforms
	}
	return hex.EncodeToString(b)
}
