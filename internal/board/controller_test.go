package board

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sketchguess/board/internal/channel"
	"github.com/sketchguess/board/internal/models"
	"github.com/sketchguess/board/internal/store"
)

const testRoom = "abcxyz"

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func openPlayer(t *testing.T, ch channel.Channel, name string, opts Options) (*Controller, models.Player) {
	t.Helper()
	player := models.NewPlayer(name)
	opts.Logger = zerolog.Nop()
	c, err := Open(context.Background(), ch, testRoom, player, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close(context.Background()) })
	return c, player
}

func newDirect(t *testing.T) (*channel.Direct, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	return channel.NewDirect(s, time.Minute, zerolog.Nop()), s
}

func TestStrokeLifecycleObservedByOtherClient(t *testing.T) {
	d, _ := newDirect(t)

	var mu sync.Mutex
	var temps [][]models.Point
	var committed []models.Stroke
	var tempCleared bool

	a, ann := openPlayer(t, d, "Ann", Options{TempThrottle: -1})

	// Client B is subscribed before A begins.
	stopTemps := d.SubscribeTempStrokes(testRoom, func(m map[string]models.Stroke) {
		mu.Lock()
		defer mu.Unlock()
		s, ok := m[ann.ID]
		if !ok {
			if len(temps) > 0 {
				tempCleared = true
			}
			return
		}
		temps = append(temps, s.Points)
	})
	defer stopTemps()
	stopStrokes := d.SubscribeStrokes(testRoom, func(u channel.StrokeUpdate) {
		mu.Lock()
		defer mu.Unlock()
		committed = append(committed, u.Strokes...)
	})
	defer stopStrokes()

	time.Sleep(50 * time.Millisecond)

	a.PointerDown(models.Point{X: 10, Y: 10})
	eventually(t, "first temp", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(temps) >= 1
	})
	a.PointerMove(models.Point{X: 20, Y: 10})
	eventually(t, "second temp", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(temps) >= 2
	})
	a.PointerUp()
	eventually(t, "commit and temp clear", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(committed) == 1 && tempCleared
	})

	mu.Lock()
	defer mu.Unlock()

	want := [][]models.Point{
		{{X: 10, Y: 10}},
		{{X: 10, Y: 10}, {X: 20, Y: 10}},
	}
	if len(temps) != len(want) {
		t.Fatalf("expected %d temp updates, got %v", len(want), temps)
	}
	for i := range want {
		if !equalPoints(temps[i], want[i]) {
			t.Fatalf("temp %d = %v, want %v", i, temps[i], want[i])
		}
	}

	got := committed[0]
	if !got.Committed || got.Author != ann.ID || !equalPoints(got.Points, want[1]) {
		t.Fatalf("unexpected committed stroke: %+v", got)
	}
}

func TestRenderMergesRemoteWithoutSelfEcho(t *testing.T) {
	d, _ := newDirect(t)

	a, ann := openPlayer(t, d, "Ann", Options{TempThrottle: -1})
	b, _ := openPlayer(t, d, "Bo", Options{TempThrottle: -1})

	a.PointerDown(models.Point{X: 1, Y: 1})
	a.PointerMove(models.Point{X: 2, Y: 2})
	b.PointerDown(models.Point{X: 5, Y: 5})

	eventually(t, "both temps on both boards", func() bool {
		return len(a.Render()) == 2 && len(b.Render()) == 2
	})

	// Ann's own stroke appears once, as her live local copy.
	render := a.Render()
	own := 0
	for _, s := range render {
		if s.Author == ann.ID {
			own++
			if len(s.Points) != 2 {
				t.Fatalf("expected the live local stroke, got %v", s.Points)
			}
		}
	}
	if own != 1 {
		t.Fatalf("expected one stroke by Ann, got %d", own)
	}
	if last := render[len(render)-1]; last.Author != ann.ID {
		t.Fatal("local stroke should be drawn last")
	}

	a.PointerUp()
	b.PointerUp()
	eventually(t, "two committed strokes everywhere", func() bool {
		ra, rb := a.Render(), b.Render()
		return len(ra) == 2 && len(rb) == 2 && ra[0].Committed && ra[1].Committed && rb[0].Committed && rb[1].Committed
	})
}

func TestClearConvergesToEmptyBoard(t *testing.T) {
	d, s := newDirect(t)

	a, _ := openPlayer(t, d, "Ann", Options{TempThrottle: -1})
	b, _ := openPlayer(t, d, "Bo", Options{TempThrottle: -1})

	a.PointerDown(models.Point{X: 1, Y: 1})
	a.PointerUp()
	eventually(t, "stroke on B", func() bool { return len(b.Render()) == 1 })

	// B is mid-stroke when A clears.
	b.PointerDown(models.Point{X: 3, Y: 3})
	b.PointerMove(models.Point{X: 4, Y: 4})
	eventually(t, "B's temp on A", func() bool { return len(a.Render()) == 2 })

	a.ClearBoard()

	eventually(t, "empty boards", func() bool {
		return len(a.Render()) == 0 && len(b.Render()) == 0
	})
	if b.State() != Idle {
		t.Fatalf("expected B to be idle after clear, got %v", b.State())
	}
	eventually(t, "empty store", func() bool {
		strokes, _ := s.GetStrokes(context.Background(), testRoom)
		temps, _ := s.GetTempStrokes(context.Background(), testRoom)
		return len(strokes) == 0 && len(temps) == 0
	})

	// B's release after the clear commits nothing.
	b.PointerUp()
	time.Sleep(50 * time.Millisecond)
	if len(a.Render()) != 0 {
		t.Fatal("board not empty after release")
	}
}

func TestLateJoinerReceivesExistingStrokes(t *testing.T) {
	d, s := newDirect(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		st := models.BeginStroke("someone", models.Point{X: float64(i), Y: 0})
		if err := s.AddStroke(ctx, testRoom, models.Commit(st)); err != nil {
			t.Fatal(err)
		}
	}

	first := make(chan []models.Stroke, 1)
	var once sync.Once
	var c *Controller
	var ready sync.WaitGroup
	ready.Add(1)
	c, _ = openPlayer(t, d, "Cy", Options{OnChange: func() {
		ready.Wait()
		if r := c.Render(); len(r) > 0 {
			once.Do(func() { first <- r })
		}
	}})
	ready.Done()

	select {
	case r := <-first:
		if len(r) != 3 {
			t.Fatalf("first render had %d strokes, want 3", len(r))
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no strokes delivered")
	}
}

func TestPresenceRoster(t *testing.T) {
	d, _ := newDirect(t)

	a, _ := openPlayer(t, d, "Ann", Options{})
	b, bo := openPlayer(t, d, "Bo", Options{})

	eventually(t, "both players", func() bool {
		return len(a.Players()) == 2 && len(b.Players()) == 2
	})
	names := map[string]bool{}
	for _, p := range b.Players() {
		names[p.Name] = true
	}
	if !names["Ann"] || !names["Bo"] {
		t.Fatalf("unexpected roster: %+v", b.Players())
	}

	if err := a.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	eventually(t, "only Bo", func() bool {
		p := b.Players()
		return len(p) == 1 && p[0].ID == bo.ID
	})
}

func TestPointerEventsOutOfState(t *testing.T) {
	ch := newFakeChannel()
	c := newController(ch, testRoom, models.NewPlayer("Ann"), Options{TempThrottle: -1, Logger: zerolog.Nop()})
	defer c.Close(context.Background())

	c.PointerMove(models.Point{X: 1, Y: 1})
	c.PointerUp()
	if len(c.Render()) != 0 || c.State() != Idle {
		t.Fatal("move/up while idle should be ignored")
	}

	c.PointerDown(models.Point{X: 1, Y: 1})
	c.PointerDown(models.Point{X: 9, Y: 9})
	render := c.Render()
	if len(render) != 1 || len(render[0].Points) != 1 || render[0].Points[0].X != 1 {
		t.Fatalf("second down while drawing should be ignored: %+v", render)
	}

	c.PointerLeave()
	if c.State() != Idle {
		t.Fatal("pointer leave should commit")
	}
	render = c.Render()
	if len(render) != 1 || !render[0].Committed {
		t.Fatalf("expected one committed stroke: %+v", render)
	}
}

func TestTempPublishesAreThrottled(t *testing.T) {
	ch := newFakeChannel()
	c := newController(ch, testRoom, models.NewPlayer("Ann"), Options{TempThrottle: 80 * time.Millisecond, Logger: zerolog.Nop()})
	defer c.Close(context.Background())

	c.PointerDown(models.Point{X: 0, Y: 0})
	for i := 1; i <= 10; i++ {
		c.PointerMove(models.Point{X: float64(i), Y: 0})
	}

	eventually(t, "trailing publish", func() bool {
		last, ok := ch.lastTemp()
		return ok && len(last.Points) == 11
	})
	if n := ch.tempCount(); n != 2 {
		t.Fatalf("expected leading and trailing publish, got %d", n)
	}

	c.PointerUp()
	eventually(t, "commit", func() bool { return ch.strokeCount() == 1 })
	eventually(t, "temp cleared", func() bool { return ch.clearCount() == 1 })
}

func TestPublishFailuresDoNotBlockDrawing(t *testing.T) {
	ch := newFakeChannel()
	ch.fail = errors.New("network down")
	c := newController(ch, testRoom, models.NewPlayer("Ann"), Options{TempThrottle: -1, Logger: zerolog.Nop()})
	defer c.Close(context.Background())

	for i := 0; i < 3; i++ {
		c.PointerDown(models.Point{X: float64(i), Y: 0})
		c.PointerMove(models.Point{X: float64(i), Y: 1})
		c.PointerUp()
	}
	if got := len(c.Render()); got != 3 {
		t.Fatalf("expected local strokes to survive failed publishes, got %d", got)
	}
}

func TestFullUpdateKeepsUnacknowledgedStrokes(t *testing.T) {
	ch := newFakeChannel()
	ch.block = make(chan struct{})
	c := newController(ch, testRoom, models.NewPlayer("Ann"), Options{TempThrottle: -1, Logger: zerolog.Nop()})
	defer func() {
		close(ch.block)
		c.Close(context.Background())
	}()

	c.PointerDown(models.Point{X: 1, Y: 1})
	c.PointerUp()

	remote := models.Commit(models.BeginStroke("bo", models.Point{X: 5, Y: 5}))
	c.applyStrokes(channel.StrokeUpdate{Strokes: []models.Stroke{remote}, Full: true})
	if got := len(c.Render()); got != 2 {
		t.Fatalf("expected own pending stroke and remote stroke, got %d", got)
	}

	c.applyStrokes(channel.StrokeUpdate{Full: true, Cleared: true})
	if got := len(c.Render()); got != 0 {
		t.Fatalf("expected empty board after clear, got %d", got)
	}
}

func TestPointerUpSendsPendingTemp(t *testing.T) {
	ch := newFakeChannel()
	c := newController(ch, testRoom, models.NewPlayer("Ann"), Options{Logger: zerolog.Nop()})
	defer c.Close(context.Background())

	// A quick drag stays inside the default throttle window.
	c.PointerDown(models.Point{X: 10, Y: 10})
	c.PointerMove(models.Point{X: 20, Y: 10})
	c.PointerUp()

	eventually(t, "commit", func() bool { return ch.strokeCount() == 1 })
	last, ok := ch.lastTemp()
	if !ok {
		t.Fatal("no temp stroke published")
	}
	want := []models.Point{{X: 10, Y: 10}, {X: 20, Y: 10}}
	if !equalPoints(last.Points, want) {
		t.Fatalf("last temp = %v, want %v", last.Points, want)
	}
	if n := ch.tempCount(); n != 2 {
		t.Fatalf("expected 2 temp publishes, got %d", n)
	}
}

func TestFullUpdateRepublishesMissingOwnStroke(t *testing.T) {
	ch := newFakeChannel()
	c := newController(ch, testRoom, models.NewPlayer("Ann"), Options{TempThrottle: -1, Logger: zerolog.Nop()})
	defer c.Close(context.Background())

	c.PointerDown(models.Point{X: 1, Y: 1})
	c.PointerUp()
	eventually(t, "first publish", func() bool { return ch.strokeCount() == 1 })

	// The server's set lacks the stroke: its publish was lost in transit.
	c.applyStrokes(channel.StrokeUpdate{Full: true})
	eventually(t, "second publish", func() bool { return ch.strokeCount() == 2 })
	ids := ch.strokeIDs()
	if ids[0] != ids[1] {
		t.Fatalf("republished a different stroke: %v", ids)
	}
	if got := len(c.Render()); got != 1 {
		t.Fatalf("own stroke dropped from the board, render has %d", got)
	}

	// Once acknowledged it is not published again.
	c.applyStrokes(channel.StrokeUpdate{Strokes: c.Render(), Full: true})
	c.applyStrokes(channel.StrokeUpdate{Strokes: c.Render(), Full: true})
	time.Sleep(50 * time.Millisecond)
	if n := ch.strokeCount(); n != 2 {
		t.Fatalf("expected no further publishes, got %d", n)
	}
}

func TestCloseCleansUpAfterSlowDrain(t *testing.T) {
	ch := newFakeChannel()
	ch.strokeBlock = make(chan struct{})
	defer close(ch.strokeBlock)
	c := newController(ch, testRoom, models.NewPlayer("Ann"), Options{
		TempThrottle:   -1,
		PublishTimeout: time.Minute,
		Logger:         zerolog.Nop(),
	})

	c.PointerDown(models.Point{X: 1, Y: 1})
	c.PointerUp()

	start := time.Now()
	if err := c.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > closeTimeout+cleanupTimeout {
		t.Fatalf("close took %v", elapsed)
	}
	if n := ch.clearCount(); n != 1 {
		t.Fatalf("temp clear after an exhausted drain: got %d clears, want 1", n)
	}
}

func equalPoints(a, b []models.Point) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// fakeChannel records publishes. Subscriptions never deliver.
type fakeChannel struct {
	mu          sync.Mutex
	fail        error
	block       chan struct{}
	strokeBlock chan struct{}
	temps   []models.Stroke
	strokes []models.Stroke
	clears  int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{}
}

func (f *fakeChannel) wait(ctx context.Context) error {
	if f.block == nil {
		return nil
	}
	select {
	case <-f.block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeChannel) PublishStroke(ctx context.Context, roomID string, stroke models.Stroke) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	if f.strokeBlock != nil {
		select {
		case <-f.strokeBlock:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.strokes = append(f.strokes, stroke)
	return nil
}

func (f *fakeChannel) PublishTempStroke(ctx context.Context, roomID, authorID string, stroke models.Stroke) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.temps = append(f.temps, stroke)
	return nil
}

func (f *fakeChannel) ClearTempStroke(ctx context.Context, roomID, authorID string) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	f.clears++
	return nil
}

func (f *fakeChannel) ClearRoom(ctx context.Context, roomID string) error {
	return f.fail
}

func (f *fakeChannel) RegisterPlayer(ctx context.Context, roomID string, player models.Player) (channel.Handle, error) {
	return nil, errors.New("not supported")
}

func (f *fakeChannel) SubscribeStrokes(roomID string, fn func(channel.StrokeUpdate)) func() {
	return func() {}
}

func (f *fakeChannel) SubscribeTempStrokes(roomID string, fn func(map[string]models.Stroke)) func() {
	return func() {}
}

func (f *fakeChannel) SubscribePlayers(roomID string, fn func([]models.Player)) func() {
	return func() {}
}

func (f *fakeChannel) lastTemp() (models.Stroke, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.temps) == 0 {
		return models.Stroke{}, false
	}
	return f.temps[len(f.temps)-1], true
}

func (f *fakeChannel) tempCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.temps)
}

func (f *fakeChannel) strokeIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.strokes))
	for i, s := range f.strokes {
		ids[i] = s.ID
	}
	return ids
}

func (f *fakeChannel) strokeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.strokes)
}

func (f *fakeChannel) clearCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clears
}
