package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/storyweave/client-go/internal/auth"
	"github.com/storyweave/client-go/internal/dispatch"
	"github.com/storyweave/client-go/internal/lobbyfeed"
	"github.com/storyweave/client-go/internal/room"
	"github.com/storyweave/client-go/internal/transport"
)

var errQuit = errors.New("quit")

func main() {
	_ = godotenv.Load()

	roomID := flag.Int("room", -1, "room id to join; omit to list rooms")
	user := flag.String("user", "guest", "display name for guest login")
	create := flag.Bool("create", false, "create a new room and join it")
	flag.Parse()

	log, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	apiURL := envOr("STORYWEAVE_API_URL", "http://localhost:8080")
	roomWS := envOr("STORYWEAVE_ROOM_WS_URL", "ws://localhost:8080/ws/room")
	lobbyWS := envOr("STORYWEAVE_LOBBY_WS_URL", "ws://localhost:8080/ws/lobby")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if *roomID < 0 && !*create {
		listRooms(ctx, lobbyWS, log)
		return
	}

	gate := auth.NewGate(os.Getenv("STORYWEAVE_TOKEN"))
	api := auth.NewClient(apiURL, log)

	if _, ok := gate.Credential(); !ok {
		token, err := api.GuestLogin(ctx, *user)
		if err != nil {
			log.Fatal("guest login failed", zap.Error(err))
		}
		gate.SetCredential(token)
	}
	cred, _ := gate.Credential()

	target := *roomID
	if *create {
		created, err := api.CreateRoom(ctx, cred)
		if err != nil {
			log.Fatal("create room failed", zap.Error(err))
		}
		fmt.Printf("created room %d (%s)\n", created.RoomID, created.RoomCode)
		target = created.RoomID
	}

	link, err := transport.Dial(ctx, roomWS, cred, log)
	if err != nil {
		if errors.Is(err, transport.ErrUnauthorized) {
			gate.Clear()
			log.Fatal("credential rejected; log in again")
		}
		log.Fatal("connect failed", zap.Error(err))
	}

	sess, err := room.Open(ctx, link, target, room.Options{Logger: log})
	if err != nil {
		log.Fatal("open session failed", zap.Error(err))
	}

	views := make(chan room.View, 8)
	sess.Inbox() <- room.Watch{ID: "cli", Outbox: views}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return renderLoop(gctx, views) })
	g.Go(func() error { return inputLoop(gctx, sess) })

	if err := g.Wait(); err != nil && !errors.Is(err, errQuit) && !errors.Is(err, context.Canceled) {
		log.Warn("session ended", zap.Error(err))
	}
	sess.Inbox() <- room.Teardown{}
}

func listRooms(ctx context.Context, lobbyWS string, log *zap.Logger) {
	feed, err := lobbyfeed.Open(ctx, lobbyWS, log)
	if err != nil {
		log.Fatal("lobby connect failed", zap.Error(err))
	}
	defer feed.Close()

	select {
	case rooms, ok := <-feed.Updates():
		if !ok {
			log.Fatal("lobby feed closed before any room list arrived")
		}
		if len(rooms) == 0 {
			fmt.Println("no rooms open; run with -create to start one")
			return
		}
		for _, r := range rooms {
			fmt.Printf("%4d  %-20s %d member(s)  %s\n", r.RoomID, r.RoomName, r.Members, r.Status)
		}
	case <-ctx.Done():
	}
}

// renderLoop prints timeline growth and status changes as views arrive.
func renderLoop(ctx context.Context, views <-chan room.View) error {
	var shown int
	var lastStatus string

	for {
		select {
		case v, ok := <-views:
			if !ok {
				return nil
			}
			if v.Status != lastStatus {
				lastStatus = v.Status
				fmt.Printf("-- %s (phase: %s)\n", v.Status, v.Phase)
			}
			for ; shown < len(v.Timeline); shown++ {
				printEntry(v.Timeline[shown])
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func printEntry(e room.Entry) {
	switch e.Kind {
	case room.EntrySnippet:
		fmt.Printf("%s: %s\n", e.Author, e.Text)
	case room.EntryStoryArtifact:
		fmt.Printf("\n>>> %s\n", e.Text)
		if e.ImageURL != "" {
			fmt.Printf(">>> illustration: %s\n", e.ImageURL)
		}
		if e.MusicURL != "" {
			fmt.Printf(">>> music: %s\n", e.MusicURL)
		}
		fmt.Println()
	default:
		fmt.Printf("* %s\n", e.Text)
	}
}

// inputLoop reads snippets from stdin. "/start" starts the game, "/quit"
// leaves. The typed line is only discarded when the server acks it ok.
func inputLoop(ctx context.Context, sess *room.Session) error {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return errQuit
		case line == "/start":
			pending, err := sess.StartGame(ctx)
			if err != nil {
				fmt.Printf("! %v\n", err)
				continue
			}
			// The backend may ack start_game only on failure; the
			// game_started push is the real signal, so a timed-out wait
			// is fine and error detail already lands in the timeline.
			_, _ = pending.Wait(ctx)
		default:
			pending, err := sess.SubmitSnippet(ctx, line)
			if err != nil {
				fmt.Printf("! %v (your text is kept: %q)\n", err, line)
				continue
			}
			ack, err := pending.Wait(ctx)
			switch {
			case errors.Is(err, dispatch.ErrAckTimeout):
				fmt.Printf("! no acknowledgement (your text is kept: %q)\n", line)
			case err != nil:
				return err
			case !ack.OK():
				fmt.Printf("! rejected: %s (your text is kept: %q)\n", ack.Msg, line)
			}
		}
	}
	return errQuit
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
