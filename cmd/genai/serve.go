package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"nano-genai-go/logger"
	"nano-genai-go/server"
)

func serveCmd() *cli.Command {
	var (
		addr          string
		maxConcurrent int
		timeout       time.Duration
	)

	flags := append(modelFlags(),
		&cli.StringFlag{
			Name:        "addr",
			Usage:       "listen address",
			Value:       "127.0.0.1:8080",
			Destination: &addr,
		},
		&cli.IntFlag{
			Name:        "max-concurrent",
			Usage:       "generators running at once",
			Value:       4,
			Destination: &maxConcurrent,
		},
		&cli.DurationFlag{
			Name:        "timeout",
			Usage:       "per-request timeout (0 = none)",
			Value:       2 * time.Minute,
			Destination: &timeout,
		},
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the generation API over HTTP",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			m, cleanup, err := loadModel()
			if err != nil {
				return err
			}
			defer cleanup()

			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.New(m, server.WithMaxConcurrent(maxConcurrent), server.WithRequestTimeout(timeout)).Register(e)

			logger.Log.Info("starting server", "address", addr, "device", m.Device().Type().String())
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = 30 * time.Second
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
