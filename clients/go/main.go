// Board CLI - command line client for the drawing board server
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/sketchguess/board/clients/go/boardclient"
	"github.com/sketchguess/board/internal/board"
	"github.com/sketchguess/board/internal/channel"
	"github.com/sketchguess/board/internal/models"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	baseURL := os.Getenv("BOARD_URL")
	if baseURL == "" {
		baseURL = boardclient.DefaultURL
	}

	client := boardclient.NewClient(baseURL)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	cmd := os.Args[1]

	switch cmd {
	case "health":
		resp, err := client.Health(ctx)
		exitOnError(err)
		printJSON(resp)

	case "create":
		resp, err := client.CreateRoom(ctx)
		exitOnError(err)
		fmt.Printf("Room: %s\n", resp.ID)

	case "info":
		requireArgs(3, "board info <room>")
		resp, err := client.GetRoom(ctx, os.Args[2])
		exitOnError(err)
		fmt.Printf("%s: %d strokes, %d drawing\n", resp.ID, resp.StrokeCount, resp.Drawing)
		for _, p := range resp.Players {
			fmt.Printf("  %s  %s\n", p.ID, p.Name)
		}

	case "rooms":
		resp, err := client.ListRooms(ctx, 50, 0)
		exitOnError(err)
		for _, r := range resp.Rooms {
			fmt.Printf("  %s  (%d players)\n", r.ID, r.Players)
		}

	case "stats":
		resp, err := client.Stats(ctx)
		exitOnError(err)
		printJSON(resp)

	case "clear":
		requireArgs(3, "board clear <room>")
		exitOnError(client.ClearRoom(ctx, os.Args[2]))
		fmt.Println("Cleared")

	case "draw":
		requireArgs(4, "board draw <room> <nick> [points]")
		points := 48
		if len(os.Args) > 4 {
			n, err := strconv.Atoi(os.Args[4])
			exitOnError(err)
			points = n
		}
		exitOnError(draw(baseURL, os.Args[2], os.Args[3], points))

	case "watch":
		requireArgs(4, "board watch <room> <nick>")
		exitOnError(watch(baseURL, os.Args[2], os.Args[3]))

	case "help", "--help", "-h":
		usage()

	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}
}

func newLogger() zerolog.Logger {
	level := zerolog.WarnLevel
	if os.Getenv("BOARD_DEBUG") != "" {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

func openBoard(baseURL, roomID, nick string, onChange func()) (*board.Controller, *channel.Remote, error) {
	logger := newLogger()
	remote, err := channel.NewRemote(baseURL, models.NewPlayer(nick), logger)
	if err != nil {
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := board.Open(ctx, remote, roomID, remote.Player(), board.Options{
		OnChange: onChange,
		Logger:   logger,
	})
	if err != nil {
		remote.Close()
		return nil, nil, err
	}
	return c, remote, nil
}

// draw traces one circle as a single stroke, paced like a hand.
func draw(baseURL, roomID, nick string, points int) error {
	if points < 2 {
		return fmt.Errorf("need at least 2 points, got %d", points)
	}

	c, remote, err := openBoard(baseURL, roomID, nick, nil)
	if err != nil {
		return err
	}
	defer remote.Close()

	for i := 0; i <= points; i++ {
		angle := 2 * math.Pi * float64(i) / float64(points)
		p := models.Point{X: 400 + 100*math.Cos(angle), Y: 300 + 100*math.Sin(angle)}
		if i == 0 {
			c.PointerDown(p)
		} else {
			c.PointerMove(p)
		}
		time.Sleep(16 * time.Millisecond)
	}
	c.PointerUp()

	fmt.Printf("Drew a %d-point stroke in %s\n", points+1, roomID)
	return c.Close(context.Background())
}

// watch prints the board summary whenever it changes until interrupted.
func watch(baseURL, roomID, nick string) error {
	changes := make(chan struct{}, 1)
	c, remote, err := openBoard(baseURL, roomID, nick, func() {
		select {
		case changes <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer remote.Close()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case <-changes:
			strokes := c.Render()
			drawing := 0
			for _, s := range strokes {
				if !s.Committed {
					drawing++
				}
			}
			names := make([]string, 0)
			for _, p := range c.Players() {
				names = append(names, p.Name)
			}
			fmt.Printf("[%s] %d strokes (%d in progress), players: %v\n",
				time.Now().Format("15:04:05"), len(strokes)-drawing, drawing, names)
		case <-quit:
			return c.Close(context.Background())
		}
	}
}

func usage() {
	fmt.Println(`Board CLI - shared drawing board client

Usage: board <command> [options]

Commands:
  create                        Create a room
  info <room>                   Show players and stroke counts
  rooms                         List active rooms
  clear <room>                  Clear a room's board
  draw <room> <nick> [points]   Join and draw a circle
  watch <room> <nick>           Join and print board changes
  stats                         Show server statistics
  health                        Check server health

Environment:
  BOARD_URL     Server URL (default: http://localhost:8080)
  BOARD_DEBUG   Log channel activity to stderr`)
}

func requireArgs(n int, usageLine string) {
	if len(os.Args) < n {
		fmt.Fprintln(os.Stderr, "Usage:", usageLine)
		os.Exit(1)
	}
}

func exitOnError(err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func printJSON(v interface{}) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
