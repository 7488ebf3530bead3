package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/luhsra/rustpad/pkg/server"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "localhost:3030", "the address to listen on")
	storageVar := flag.String("storage", "rustpad.sqlite3", "path to the document database")
	expiryVar := flag.Int("expiry-days", 1, "days after which idle documents are dropped")
	flag.Parse()

	slog.Info("Opening database", "path", *storageVar)
	store, err := server.OpenStore(*storageVar)
	if err != nil {
		return err
	}
	defer store.Close()

	s := server.New(store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(time.Second * 3)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.FlushDirty()
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(time.Hour)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.Sweep(time.Duration(*expiryVar) * 24 * time.Hour)
			case <-ctx.Done():
				return
			}
		}
	}()

	httpServer := &http.Server{Addr: *addrVar, Handler: s.Routes()}

	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("Listening", "addr", *addrVar)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server listen failed", "err", err)
		}
	}()

	exit := make(chan os.Signal, 1) // we need to reserve to buffer size 1, so the notifier are not blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("Signal caught", "sig", sig)
	cancel()
	_ = httpServer.Close()

	wg.Wait()

	// One last write so nothing typed in the final flush window is
	// lost.
	s.FlushDirty()
	return nil
}
