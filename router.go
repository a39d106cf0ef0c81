package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/choraleia/persona/pkg/event"
	"github.com/choraleia/persona/pkg/handler"
)

type Server struct {
	ginEngine *gin.Engine
	app       *App
	logger    *slog.Logger
	host      string
	port      int
}

func NewServer(app *App) *Server {
	ginEngine := gin.New()
	ginEngine.Use(gin.Recovery())

	// CORS: browser clients are only accepted from localhost origins.
	ginEngine.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		// No Origin header means this is not a browser CORS request.
		if origin != "" {
			if !localOrigin(origin) {
				c.AbortWithStatus(http.StatusForbidden)
				return
			}
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Vary", "Origin")
			c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, Last-Event-ID")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})

	server := &Server{
		ginEngine: ginEngine,
		app:       app,
		logger:    app.Logger,
		host:      app.Config.Host(),
		port:      app.Config.Port(),
	}

	server.SetupRoutes()

	return server
}

func localOrigin(origin string) bool {
	for _, prefix := range []string{
		"http://localhost", "http://127.0.0.1",
		"https://localhost", "https://127.0.0.1",
	} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// Start listens on the configured address and serves until ctx is done.
// It fails fast when the port is taken.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.host, fmt.Sprint(s.port))
	srv := &http.Server{Addr: addr, Handler: s.ginEngine}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}

	// Record the actual port (useful when configured as 0).
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		s.port = tcpAddr.Port
	}
	s.logger.Info("HTTP server listening", "addr", ln.Addr().String())

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Serve(ln)
	}()

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP server shutdown", "error", err)
	}
	return nil
}

func (s *Server) SetupRoutes() {
	chatHandler := handler.NewChatHandler(s.app.Chat)
	memoryHandler := handler.NewMemoryHandler(s.app.Store, s.app.Chat)
	wsHandler := event.NewWSHandler(s.app.Events, s.logger)

	s.ginEngine.GET("/healthz", func(c *gin.Context) {
		if err := s.app.Store.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// /api/v1
	apiGroup := s.ginEngine.Group("/api/v1")

	chatHandler.RegisterRoutes(apiGroup)
	memoryHandler.RegisterRoutes(apiGroup)

	// GET /api/v1/events/ws
	apiGroup.GET("/events/ws", wsHandler.Handle)
}
