package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/luhsra/rustpad/pkg/client"
	"github.com/luhsra/rustpad/pkg/editor"
	"github.com/luhsra/rustpad/pkg/protocol"
)

// A headless participant: it joins a document, announces itself and
// types a line every few seconds. Handy for exercising a server and for
// watching convergence from a second terminal.
func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	serverVar := flag.String("server", "http://localhost:3030", "base URL of the collaboration server")
	docVar := flag.String("doc", "playground", "document id to join")
	nameVar := flag.String("name", "agent", "display name")
	flag.Parse()

	socketURL, err := client.SocketURL(*serverVar + "#" + *docVar)
	if err != nil {
		return err
	}

	buf := editor.NewBuffer("")
	c, err := client.New(client.Options{
		URL:    socketURL,
		Editor: buf,
		Callbacks: client.Callbacks{
			OnConnected: func(info *protocol.UserInfo) {
				slog.Info("connected")
			},
			OnDisconnected: func() {
				slog.Info("disconnected, retrying")
			},
			OnDesynchronized: func() {
				slog.Error("desynchronized, giving up")
			},
			OnChangeUsers: func(users map[uint64]protocol.UserInfo) {
				slog.Info("participants changed", "count", len(users))
			},
			OnChangeMeta: func(language string, visibility protocol.Visibility) {
				slog.Info("meta changed", "language", language, "visibility", visibility)
			},
		},
	})
	if err != nil {
		return err
	}
	defer c.Close()

	c.SetInfo(protocol.ClientInfo{
		Name: *nameVar,
		Hue:  uint16(rand.Intn(360)),
	})

	done := make(chan struct{})
	go func() {
		n := 0
		for {
			t := time.NewTimer(time.Second + time.Second*time.Duration(rand.Intn(5)))
			select {
			case <-t.C:
				if !c.Connected() {
					continue
				}
				n++
				line := fmt.Sprintf("%s was here (%d)\n", *nameVar, n)
				buf.Replace(0, 0, line)
				slog.Info("typed", "line", n, "revision", c.Revision())
			case <-done:
				t.Stop()
				return
			}
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	close(done)

	slog.Info("final document", "text", buf.Value())
	return nil
}
