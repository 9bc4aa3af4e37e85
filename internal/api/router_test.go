package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sketchguess/board/internal/api/middleware"
	"github.com/sketchguess/board/internal/board"
	"github.com/sketchguess/board/internal/channel"
	"github.com/sketchguess/board/internal/models"
	"github.com/sketchguess/board/internal/store"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv, _ := newTestServerWithStore(t)
	return srv
}

func newTestServerWithStore(t *testing.T) (*httptest.Server, *store.MemoryStore) {
	t.Helper()
	rooms := store.NewMemoryStore()
	direct := channel.NewDirect(rooms, time.Minute, zerolog.Nop())
	srv := httptest.NewServer(NewRouter(zerolog.Nop(), nil, rooms, direct, nil, middleware.RateLimiterConfig{}))
	t.Cleanup(srv.Close)
	return srv, rooms
}

// cuttableProxy forwards TCP connections to a server until it is cut.
// While cut, it closes every connection it has and refuses new ones.
type cuttableProxy struct {
	ln     net.Listener
	target string

	mu    sync.Mutex
	cut   bool
	conns []net.Conn
}

func newCuttableProxy(t *testing.T, target string) *cuttableProxy {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	p := &cuttableProxy{ln: ln, target: target}
	t.Cleanup(func() {
		ln.Close()
		p.setCut(true)
	})
	go p.serve()
	return p
}

func (p *cuttableProxy) URL() string {
	return "http://" + p.ln.Addr().String()
}

func (p *cuttableProxy) serve() {
	for {
		down, err := p.ln.Accept()
		if err != nil {
			return
		}
		p.mu.Lock()
		if p.cut {
			p.mu.Unlock()
			down.Close()
			continue
		}
		up, err := net.Dial("tcp", p.target)
		if err != nil {
			p.mu.Unlock()
			down.Close()
			continue
		}
		p.conns = append(p.conns, down, up)
		p.mu.Unlock()

		go func() { io.Copy(up, down); up.Close() }()
		go func() { io.Copy(down, up); down.Close() }()
	}
}

func (p *cuttableProxy) setCut(cut bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cut = cut
	if cut {
		for _, c := range p.conns {
			c.Close()
		}
		p.conns = nil
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func joinOverWire(t *testing.T, baseURL, roomID, name string) (*board.Controller, models.Player) {
	t.Helper()
	remote, err := channel.NewRemote(baseURL, models.NewPlayer(name), zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := board.Open(ctx, remote, roomID, remote.Player(), board.Options{Logger: zerolog.Nop()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		c.Close(context.Background())
		remote.Close()
	})
	return c, remote.Player()
}

func TestRoutes(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/room", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("POST /room: %d", resp.StatusCode)
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{"/", "/api", "/health", "/stats", "/rooms", "/room/" + created.ID, "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s: %d", path, resp.StatusCode)
		}
		if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
			t.Errorf("GET %s: missing security headers", path)
		}
	}
}

func TestTwoClientsOverWebSocket(t *testing.T) {
	srv := newTestServer(t)

	a, ann := joinOverWire(t, srv.URL, "abcxyz", "Ann")
	b, _ := joinOverWire(t, srv.URL, "abcxyz", "Bo")

	eventually(t, "both rosters", func() bool {
		return len(a.Players()) == 2 && len(b.Players()) == 2
	})

	a.PointerDown(models.Point{X: 1, Y: 1})
	a.PointerMove(models.Point{X: 2, Y: 2})
	a.PointerMove(models.Point{X: 3, Y: 3})
	a.PointerUp()

	eventually(t, "stroke at B", func() bool {
		r := b.Render()
		return len(r) == 1 && r[0].Committed && len(r[0].Points) == 3
	})
	if got := b.Render()[0].Author; got != ann.ID {
		t.Fatalf("author = %q, want %q", got, ann.ID)
	}
	// A sees its own stroke once.
	eventually(t, "stroke at A", func() bool { return len(a.Render()) == 1 })

	// A late joiner gets the existing board.
	c, _ := joinOverWire(t, srv.URL, "abcxyz", "Cy")
	eventually(t, "stroke at late joiner", func() bool { return len(c.Render()) == 1 })

	b.ClearBoard()
	for name, ctl := range map[string]*board.Controller{"A": a, "B": b, "C": c} {
		ctl := ctl
		eventually(t, "empty board at "+name, func() bool { return len(ctl.Render()) == 0 })
	}
}

func TestLeaveUpdatesRoster(t *testing.T) {
	srv := newTestServer(t)

	a, _ := joinOverWire(t, srv.URL, "r1", "Ann")
	b, _ := joinOverWire(t, srv.URL, "r1", "Bo")
	eventually(t, "roster of two", func() bool { return len(a.Players()) == 2 })

	if err := b.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	eventually(t, "roster of one", func() bool {
		p := a.Players()
		return len(p) == 1 && p[0].Name == "Ann"
	})
}

func TestLateJoinerReceivesLargeBoard(t *testing.T) {
	srv, rooms := newTestServerWithStore(t)
	ctx := context.Background()

	// 150 strokes of 300 points serialize to well over a megabyte.
	for i := 0; i < 150; i++ {
		points := make([]models.Point, 300)
		for j := range points {
			points[j] = models.Point{X: float64(j) + 0.123456789, Y: float64(i) + 0.987654321}
		}
		stroke := models.BeginStroke("seed", points[0])
		stroke.Points = points
		if err := rooms.AddStroke(ctx, "abcxyz", models.Commit(stroke)); err != nil {
			t.Fatal(err)
		}
	}

	c, _ := joinOverWire(t, srv.URL, "abcxyz", "Ann")
	eventually(t, "all 150 strokes", func() bool { return len(c.Render()) == 150 })
}

func TestStrokeDrawnWhileDisconnectedArrives(t *testing.T) {
	srv, rooms := newTestServerWithStore(t)
	proxy := newCuttableProxy(t, srv.Listener.Addr().String())

	a, _ := joinOverWire(t, proxy.URL(), "abcxyz", "Ann")
	b, _ := joinOverWire(t, srv.URL, "abcxyz", "Bo")
	eventually(t, "both rosters", func() bool {
		return len(a.Players()) == 2 && len(b.Players()) == 2
	})

	proxy.setCut(true)
	eventually(t, "Ann dropped by the server", func() bool { return len(b.Players()) == 1 })

	a.PointerDown(models.Point{X: 10, Y: 10})
	a.PointerMove(models.Point{X: 20, Y: 10})
	a.PointerUp()

	proxy.setCut(false)

	eventually(t, "stroke at Bo", func() bool {
		r := b.Render()
		return len(r) == 1 && r[0].Committed && len(r[0].Points) == 2
	})
	eventually(t, "stroke kept at Ann", func() bool { return len(a.Render()) == 1 })
	strokes, err := rooms.GetStrokes(context.Background(), "abcxyz")
	if err != nil {
		t.Fatal(err)
	}
	if len(strokes) != 1 {
		t.Fatalf("store holds %d strokes, want 1", len(strokes))
	}
	eventually(t, "Ann back in the roster", func() bool { return len(b.Players()) == 2 })
}
