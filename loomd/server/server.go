package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/loomworks/loom/loomd/collab"
	"github.com/loomworks/loom/loomd/core"
)

type Server struct {
	Base       *core.Base
	Generator  *collab.HTTPGenerator
	Judge      *collab.HTTPJudge
	httpServer *http.Server
}

func New(base *core.Base) *Server {
	return &Server{
		Base:      base,
		Generator: collab.NewHTTPGenerator(base.Config.Generator.Endpoint, base.Config.Generator.Model),
		Judge:     collab.NewHTTPJudge(base.Config.Judge.Endpoint, base.Config.Judge.Threshold),
	}
}

func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.Base.Env.LISTEN_ADDR)
	if err != nil {
		return err
	}
	server := &http.Server{
		Handler: s.Router(),
	}
	s.httpServer = server
	err = server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if s.httpServer == nil {
			s.Base.Logger.Error("shutdown failed", "error", errors.New("server not initialized"))
			return
		}
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.Base.Logger.Error("shutdown failed", "error", err)
		}
	}()
}
