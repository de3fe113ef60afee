// internal/app/run.go
// Package app boots a node: database, media engine, p2p host, chat, and
// the local HTTP gateway, then blocks until the context is cancelled.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/wevov/liaotian/internal/chat"
	"github.com/wevov/liaotian/internal/config"
	"github.com/wevov/liaotian/internal/gateway"
	"github.com/wevov/liaotian/internal/media"
	"github.com/wevov/liaotian/internal/p2p"
	"github.com/wevov/liaotian/internal/proto"
	"github.com/wevov/liaotian/internal/room"
	"github.com/wevov/liaotian/internal/storage"
	"github.com/wevov/liaotian/internal/util"
)

type Options struct {
	DataDir string
	CfgPath string
	Cfg     config.Config

	// RoomID, when set, joins that room right after startup.
	RoomID string
}

func Run(ctx context.Context, opt Options) error {
	cfg := opt.Cfg

	// ── Database
	db, err := storage.Open(util.ResolvePath(opt.DataDir, cfg.Storage.DBFile))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	// ── Media engine
	engine, err := media.NewEngine()
	if err != nil {
		return fmt.Errorf("media engine: %w", err)
	}

	// ── P2P node
	keyPath := util.ResolvePath(opt.DataDir, cfg.Identity.KeyFile)
	node, err := p2p.New(ctx, cfg.P2P.ListenPort, keyPath, cfg.P2P.BootstrapPeers)
	if err != nil {
		return fmt.Errorf("p2p node: %w", err)
	}
	defer node.Close()

	log.Printf("APP: peer id %s", node.ID())
	for _, a := range node.Addrs() {
		log.Printf("APP: listening on %s", a)
	}

	// ── Chat
	prof := proto.Profile{
		DisplayName: cfg.Profile.DisplayName,
		Username:    cfg.Profile.Username,
		AvatarURL:   cfg.Profile.AvatarURL,
	}
	chatMgr := chat.NewManager(node.ID(), cfg.Identity.UserID, prof, node, db, chat.DefaultBufferSize)
	node.SetDMHandler(chatMgr.HandleDM)

	// ── Gateway
	gw := gateway.New(gateway.Deps{
		Node:   room.NodeNetwork{Node: node},
		Addrs:  node.Addrs,
		Engine: engine,
		Chat:   chatMgr,
		DB:     db,
		Cfg:    cfg,
	})
	defer gw.Close()

	var srv *http.Server
	if cfg.Gateway.HTTPAddr != "" {
		mux := http.NewServeMux()
		gw.Register(mux)
		srv = &http.Server{Addr: cfg.Gateway.HTTPAddr, Handler: mux}
		go func() {
			log.Printf("APP: gateway on http://%s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("APP: gateway failed: %v", err)
			}
		}()
	}

	// ── Config watch
	go watchConfig(ctx, opt.CfgPath)

	if opt.RoomID != "" {
		if _, err := gw.JoinRoom(ctx, opt.RoomID); err != nil {
			log.Printf("APP: join %q failed: %v", opt.RoomID, err)
		}
	}

	<-ctx.Done()

	gw.LeaveRoom()
	if srv != nil {
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}
	log.Printf("APP: shut down")
	return nil
}
