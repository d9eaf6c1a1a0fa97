package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// StartEcho blocks until the server is closed, a graceful close is not an error
func StartEcho(e *echo.Echo, addr string) error {
	if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func configureServer(ctx context.Context, server *http.Server) {
	server.BaseContext = func(listener net.Listener) context.Context {
		return ctx
	}
	server.IdleTimeout = 1 * time.Minute
	server.ReadTimeout = 30 * time.Second
	server.WriteTimeout = 30 * time.Second
}
