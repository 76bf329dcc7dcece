package server

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/audit"
	"github.com/wizardbeardstudio/open-paycode-go/internal/platform/clock"
)

type RemoteAccessActivity struct {
	Timestamp       string
	SourceIP        string
	SourcePort      string
	Destination     string
	DestinationPort string
	Path            string
	Method          string
	Allowed         bool
	Reason          string
}

var errActivityLogFull = errors.New("remote access activity log is full")

// RemoteAccessGuard limits /metrics and /v1/admin to trusted networks. Every
// decision is kept in memory and, when Chain is set, appended to a hash chain.
type RemoteAccessGuard struct {
	Clock   clock.Clock
	Chain   *audit.InMemoryChain
	Metrics *Metrics

	// ActivityCap bounds the in-memory log; zero means unbounded. Once full,
	// FailClosed rejects admin requests with 503 instead of serving them
	// unrecorded.
	ActivityCap int
	FailClosed  bool

	trusted []*net.IPNet
	mu      sync.Mutex
	logs    []RemoteAccessActivity
	nextID  int64
}

func NewRemoteAccessGuard(clk clock.Clock, chain *audit.InMemoryChain, cidrs []string) (*RemoteAccessGuard, error) {
	trusted := make([]*net.IPNet, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted cidr %q: %w", c, err)
		}
		trusted = append(trusted, ipnet)
	}
	if len(trusted) == 0 {
		for _, c := range []string{"127.0.0.1/32", "::1/128"} {
			_, ipnet, _ := net.ParseCIDR(c)
			trusted = append(trusted, ipnet)
		}
	}
	return &RemoteAccessGuard{Clock: clk, Chain: chain, trusted: trusted}, nil
}

func (g *RemoteAccessGuard) now() time.Time {
	if g.Clock == nil {
		return time.Now().UTC()
	}
	return g.Clock.Now().UTC()
}

func (g *RemoteAccessGuard) isAdminPath(path string) bool {
	return path == "/metrics" || path == "/v1/admin" || strings.HasPrefix(path, "/v1/admin/")
}

func (g *RemoteAccessGuard) extractSourceIP(r *http.Request) (string, string) {
	xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For"))
	if xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0]), ""
	}
	host, port, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		return host, port
	}
	return strings.TrimSpace(r.RemoteAddr), ""
}

func (g *RemoteAccessGuard) isTrusted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, n := range g.trusted {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

func (g *RemoteAccessGuard) record(r *http.Request, sourceIP, sourcePort string, allowed bool, reason string) error {
	host, port, err := net.SplitHostPort(r.Host)
	if err != nil {
		host = r.Host
		port = ""
	}
	now := g.now()
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.Metrics.ObserveRemoteAccessDecision(outcome)
	if g.ActivityCap > 0 && len(g.logs) >= g.ActivityCap {
		return errActivityLogFull
	}
	g.logs = append(g.logs, RemoteAccessActivity{
		Timestamp:       now.Format(time.RFC3339Nano),
		SourceIP:        sourceIP,
		SourcePort:      sourcePort,
		Destination:     host,
		DestinationPort: port,
		Path:            r.URL.Path,
		Method:          r.Method,
		Allowed:         allowed,
		Reason:          reason,
	})
	if g.Chain == nil {
		return nil
	}
	g.nextID++
	_, err = g.Chain.Append(audit.Entry{
		ID:         "remote-access-" + strconv.FormatInt(g.nextID, 10),
		Code:       r.URL.Path,
		Outcome:    outcome,
		Message:    sourceIP + " " + reason,
		RecordedAt: now,
	})
	return err
}

func (g *RemoteAccessGuard) Activities() []RemoteAccessActivity {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]RemoteAccessActivity, len(g.logs))
	copy(out, g.logs)
	return out
}

func (g *RemoteAccessGuard) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.isAdminPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		sourceIP, sourcePort := g.extractSourceIP(r)
		if !g.isTrusted(sourceIP) {
			_ = g.record(r, sourceIP, sourcePort, false, "source ip outside trusted network")
			http.Error(w, "remote access denied", http.StatusForbidden)
			return
		}

		if err := g.record(r, sourceIP, sourcePort, true, ""); err != nil && g.FailClosed {
			http.Error(w, "remote access logging unavailable", http.StatusServiceUnavailable)
			return
		}
		next.ServeHTTP(w, r)
	})
}
