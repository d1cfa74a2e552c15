package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"chatd/config"
	"chatd/db"
	"chatd/moderation"
	"chatd/server"

	"github.com/mama165/sdk-go/logs"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// shutdownRequest is the cancel cause used by the control socket.
type shutdownRequest struct {
	reason string
}

func (r shutdownRequest) Error() string {
	return "shutdown requested: " + r.reason
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logs.GetLoggerFromString(cfg.LogLevel)

	store, err := db.Open(cfg.StoreDriver, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing message store...")
		if err := store.Close(); err != nil {
			log.Error("Failed to close message store", "error", err)
		}
	}()

	moderator, err := moderation.NewModerator(cfg.Words(), cfg.CensorRune(), log)
	if err != nil {
		return fmt.Errorf("moderation setup failed: %w", err)
	}

	srv := server.New(store, &server.ServerConfig{
		HandshakeTimeout:  cfg.HandshakeTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		StoreTimeout:      cfg.StoreTimeout,
		SendBuffer:        cfg.SendBuffer,
		MaxLineLength:     cfg.MaxLineLength,
		MaxUsernameLength: cfg.MaxUsernameLength,
	}, moderator, log)

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancelCause(sigCtx)
	defer cancel(nil)

	listener, err := net.Listen("tcp", cfg.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Addr(), err)
	}

	var wsListener *server.WSListener
	if cfg.WSAddr != "" {
		wsListener, err = server.ListenWebSocket(cfg.WSAddr, log)
		if err != nil {
			listener.Close()
			return fmt.Errorf("websocket listen on %s: %w", cfg.WSAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreClosed(srv.Serve(listener))
	})
	if wsListener != nil {
		g.Go(func() error {
			return ignoreClosed(srv.Serve(wsListener))
		})
	}

	var control *server.ControlServer
	if cfg.ControlSocket != "" {
		control = server.NewControlServer(srv, store, func(reason string) {
			cancel(shutdownRequest{reason: reason})
		}, log)
		if err := control.Listen(cfg.ControlSocket); err != nil {
			// The chat server is still useful without its control socket.
			log.Warn("Control socket disabled", "error", err)
			control = nil
		} else {
			g.Go(func() error {
				return control.Serve(nil)
			})
		}
	}

	g.Go(func() error {
		<-gctx.Done()

		reason := "maintenance"
		var req shutdownRequest
		if errors.As(context.Cause(ctx), &req) {
			reason = req.reason
		}

		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancelShutdown()
		err := srv.Shutdown(shutdownCtx, reason)
		if control != nil {
			_ = control.Close()
		}
		return err
	})

	return g.Wait()
}

func ignoreClosed(err error) error {
	if errors.Is(err, server.ErrServerClosed) {
		return nil
	}
	return err
}
