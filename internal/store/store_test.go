package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sketchguess/board/internal/models"
)

// syncStoreFactory returns a fresh store and a function that moves the
// store's notion of time forward.
type syncStoreFactory func(t *testing.T) (SyncStore, func(time.Duration))

func runSyncStoreSuite(t *testing.T, newStore syncStoreFactory) {
	t.Run("Strokes", func(t *testing.T) { testStrokes(t, newStore) })
	t.Run("TempStrokes", func(t *testing.T) { testTempStrokes(t, newStore) })
	t.Run("PlayerLeases", func(t *testing.T) { testPlayerLeases(t, newStore) })
	t.Run("ClearRoom", func(t *testing.T) { testClearRoom(t, newStore) })
	t.Run("Subscribe", func(t *testing.T) { testSubscribe(t, newStore) })
	t.Run("EventsFollowWriteOrder", func(t *testing.T) { testEventsFollowWriteOrder(t, newStore) })
}

func nextEvent(t *testing.T, events <-chan models.Event) models.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				t.Fatal("event feed closed")
			}
			if ev.Type == models.EventResync {
				continue
			}
			return ev
		case <-timeout:
			t.Fatal("timed out waiting for event")
		}
	}
}

func committed(author string, pts ...models.Point) models.Stroke {
	s := models.BeginStroke(author, pts[0])
	for _, p := range pts[1:] {
		s = models.ExtendStroke(s, p)
	}
	return models.Commit(s)
}

func testStrokes(t *testing.T, newStore syncStoreFactory) {
	s, _ := newStore(t)
	ctx := context.Background()

	a := committed("ann", models.Point{X: 1, Y: 1}, models.Point{X: 2, Y: 2})
	b := committed("bo", models.Point{X: 5, Y: 5})
	c := committed("ann", models.Point{X: 9, Y: 9})

	for _, st := range []models.Stroke{a, b, c, a} {
		if err := s.AddStroke(ctx, "abcxyz", st); err != nil {
			t.Fatal(err)
		}
	}

	strokes, err := s.GetStrokes(ctx, "abcxyz")
	if err != nil {
		t.Fatal(err)
	}
	if len(strokes) != 3 {
		t.Fatalf("expected 3 strokes, got %d", len(strokes))
	}
	if strokes[0].ID != a.ID || len(strokes[0].Points) != 2 {
		t.Fatalf("unexpected first stroke: %+v", strokes[0])
	}

	other, err := s.GetStrokes(ctx, "ABCXYZ")
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Fatal("room IDs must be case-sensitive")
	}
}

func testTempStrokes(t *testing.T, newStore syncStoreFactory) {
	s, _ := newStore(t)
	ctx := context.Background()

	first := models.BeginStroke("ann", models.Point{X: 10, Y: 10})
	second := models.ExtendStroke(first, models.Point{X: 20, Y: 10})

	if err := s.SetTempStroke(ctx, "r1", "ann", first); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTempStroke(ctx, "r1", "ann", second); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTempStroke(ctx, "r1", "bo", models.BeginStroke("bo", models.Point{X: 1, Y: 1})); err != nil {
		t.Fatal(err)
	}

	temps, err := s.GetTempStrokes(ctx, "r1")
	if err != nil {
		t.Fatal(err)
	}
	if len(temps) != 2 {
		t.Fatalf("expected 2 temp strokes, got %d", len(temps))
	}
	if len(temps["ann"].Points) != 2 {
		t.Fatalf("expected last write to win, got %v", temps["ann"].Points)
	}

	if err := s.DeleteTempStroke(ctx, "r1", "ann"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteTempStroke(ctx, "r1", "nobody"); err != nil {
		t.Fatal(err)
	}
	temps, _ = s.GetTempStrokes(ctx, "r1")
	if _, ok := temps["ann"]; ok || len(temps) != 1 {
		t.Fatalf("unexpected temps after delete: %v", temps)
	}
}

func testPlayerLeases(t *testing.T, newStore syncStoreFactory) {
	s, advance := newStore(t)
	ctx := context.Background()
	ttl := 10 * time.Second

	ann := models.Player{ID: "p-ann", Name: "Ann", JoinedAt: 1}
	bo := models.Player{ID: "p-bo", Name: "Bo", JoinedAt: 2}

	if err := s.AddPlayer(ctx, "abcxyz", ann, ttl); err != nil {
		t.Fatal(err)
	}
	if err := s.AddPlayer(ctx, "abcxyz", bo, ttl); err != nil {
		t.Fatal(err)
	}
	if err := s.SetTempStroke(ctx, "abcxyz", ann.ID, models.BeginStroke(ann.ID, models.Point{X: 1, Y: 1})); err != nil {
		t.Fatal(err)
	}

	players, err := s.GetPlayers(ctx, "abcxyz")
	if err != nil {
		t.Fatal(err)
	}
	if len(players) != 2 || players[0].Name != "Ann" || players[1].Name != "Bo" {
		t.Fatalf("unexpected players: %+v", players)
	}

	advance(5 * time.Second)
	ok, err := s.RenewPlayer(ctx, "abcxyz", bo.ID, ttl)
	if err != nil || !ok {
		t.Fatalf("renew failed: ok=%v err=%v", ok, err)
	}
	advance(6 * time.Second)

	expired, err := s.ExpirePlayers(ctx, "abcxyz")
	if err != nil {
		t.Fatal(err)
	}
	if len(expired) != 1 || expired[0].ID != ann.ID {
		t.Fatalf("expected Ann to expire, got %+v", expired)
	}

	players, _ = s.GetPlayers(ctx, "abcxyz")
	if len(players) != 1 || players[0].Name != "Bo" {
		t.Fatalf("expected only Bo, got %+v", players)
	}
	temps, _ := s.GetTempStrokes(ctx, "abcxyz")
	if len(temps) != 0 {
		t.Fatal("expired player's temp stroke survived")
	}

	ok, err = s.RenewPlayer(ctx, "abcxyz", ann.ID, ttl)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("renewing an expired player should report false")
	}

	rooms, _ := s.ActiveRooms(ctx)
	if len(rooms) != 1 || rooms[0] != "abcxyz" {
		t.Fatalf("unexpected active rooms: %v", rooms)
	}

	if err := s.RemovePlayer(ctx, "abcxyz", bo.ID); err != nil {
		t.Fatal(err)
	}
	rooms, _ = s.ActiveRooms(ctx)
	if len(rooms) != 0 {
		t.Fatalf("expected no active rooms, got %v", rooms)
	}
}

func testClearRoom(t *testing.T, newStore syncStoreFactory) {
	s, _ := newStore(t)
	ctx := context.Background()

	s.AddStroke(ctx, "r1", committed("ann", models.Point{X: 1, Y: 1}))
	s.AddStroke(ctx, "r2", committed("ann", models.Point{X: 1, Y: 1}))
	s.SetTempStroke(ctx, "r1", "bo", models.BeginStroke("bo", models.Point{X: 3, Y: 3}))

	if err := s.ClearRoom(ctx, "r1"); err != nil {
		t.Fatal(err)
	}

	strokes, _ := s.GetStrokes(ctx, "r1")
	temps, _ := s.GetTempStrokes(ctx, "r1")
	if len(strokes) != 0 || len(temps) != 0 {
		t.Fatalf("room not cleared: %d strokes, %d temps", len(strokes), len(temps))
	}

	untouched, _ := s.GetStrokes(ctx, "r2")
	if len(untouched) != 1 {
		t.Fatal("clear leaked into another room")
	}
}

func testSubscribe(t *testing.T, newStore syncStoreFactory) {
	s, _ := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := s.Subscribe(ctx, "abcxyz")
	if err != nil {
		t.Fatal(err)
	}

	stroke := committed("ann", models.Point{X: 10, Y: 10}, models.Point{X: 20, Y: 10})
	if err := s.AddStroke(ctx, "abcxyz", stroke); err != nil {
		t.Fatal(err)
	}
	ev := nextEvent(t, events)
	if ev.Type != models.EventStrokeAdded || ev.Stroke == nil || ev.Stroke.ID != stroke.ID {
		t.Fatalf("unexpected event: %+v", ev)
	}

	temp := models.BeginStroke("bo", models.Point{X: 1, Y: 1})
	s.SetTempStroke(ctx, "abcxyz", "bo", temp)
	ev = nextEvent(t, events)
	if ev.Type != models.EventTempSet || ev.Author != "bo" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	s.DeleteTempStroke(ctx, "abcxyz", "bo")
	ev = nextEvent(t, events)
	if ev.Type != models.EventTempCleared || ev.Author != "bo" {
		t.Fatalf("unexpected event: %+v", ev)
	}

	s.AddPlayer(ctx, "abcxyz", models.Player{ID: "p1", Name: "Ann"}, time.Minute)
	ev = nextEvent(t, events)
	if ev.Type != models.EventPlayersChanged {
		t.Fatalf("unexpected event: %+v", ev)
	}

	s.ClearRoom(ctx, "abcxyz")
	ev = nextEvent(t, events)
	if ev.Type != models.EventRoomCleared {
		t.Fatalf("unexpected event: %+v", ev)
	}

	cancel()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-events:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("feed not closed after cancel")
		}
	}
}

// testEventsFollowWriteOrder races temp writes against clears and checks that
// replaying the feed ends in the stored state.
func testEventsFollowWriteOrder(t *testing.T, newStore syncStoreFactory) {
	s, _ := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := s.Subscribe(ctx, "abcxyz")
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for _, author := range []string{"ann", "bo", "cy", "di"} {
		wg.Add(1)
		go func(author string) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				s.SetTempStroke(ctx, "abcxyz", author, models.BeginStroke(author, models.Point{X: float64(i)}))
			}
		}(author)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			s.ClearRoom(ctx, "abcxyz")
		}
	}()
	wg.Wait()

	// A committed stroke marks the end of the feed.
	if err := s.AddStroke(ctx, "abcxyz", committed("zed", models.Point{})); err != nil {
		t.Fatal(err)
	}

	replayed := make(map[string]bool)
	for done := false; !done; {
		ev := nextEvent(t, events)
		switch ev.Type {
		case models.EventTempSet:
			replayed[ev.Author] = true
		case models.EventTempCleared:
			delete(replayed, ev.Author)
		case models.EventRoomCleared:
			replayed = make(map[string]bool)
		case models.EventStrokeAdded:
			done = true
		}
	}

	stored, err := s.GetTempStrokes(ctx, "abcxyz")
	if err != nil {
		t.Fatal(err)
	}
	if len(stored) != len(replayed) {
		t.Fatalf("feed replays to %v, store holds %d temps", replayed, len(stored))
	}
	for author := range stored {
		if !replayed[author] {
			t.Fatalf("temp of %s stored but cleared by the feed", author)
		}
	}
}
