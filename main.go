package main

import (
	"context"
	"log"
	"net/http"

	"github.com/spoonbobo/onlysaid/global"
	"github.com/spoonbobo/onlysaid/logger"
	"github.com/spoonbobo/onlysaid/service/directory"
	"github.com/spoonbobo/onlysaid/service/gateway"
	"github.com/spoonbobo/onlysaid/service/gateway/handlers"
	storage "github.com/spoonbobo/onlysaid/service/storage"
	redismgr "github.com/spoonbobo/onlysaid/service/storage/redis"
	safe "github.com/spoonbobo/onlysaid/tools/safe"

	"github.com/gin-gonic/gin"
)

func main() {
	global.ConfigIds()
	conf := global.Load()

	if err := redismgr.Init(redismgr.Config{
		Addr:     conf.RedisAddr,
		Password: conf.RedisPassword,
		DB:       conf.RedisDB,
	}); err != nil {
		log.Fatalf("redis init failed: %v", err)
	}
	defer redismgr.Close()

	reg := storage.NewRegistry(redismgr.Get(), storage.Config{
		GatewayID:  conf.GatewayID,
		PendingCap: conf.PendingCap,
		TokenTTL:   conf.TokenTTL,
	})
	dir := directory.NewClient(conf.DirectoryURL)

	srv := gateway.NewServer(conf, reg, dir)
	handlers.Install(srv)
	defer srv.Close()

	if conf.NatsURL != "" {
		if err := srv.ConnectRelay(conf.NatsURL); err != nil {
			log.Fatalf("relay connect failed: %v", err)
		}
		logger.Infof("[main] cross-replica relay connected url=%s", conf.NatsURL)
	}

	sweepCtx, cancelSweep := context.WithCancel(context.Background())
	defer cancelSweep()
	sweeper := gateway.NewSweeper(srv, conf.SweepInterval)
	safe.Go(func() { sweeper.Run(sweepCtx) })

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/socket", srv.HandleWS)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "gateway": conf.GatewayID})
	})

	logger.Infof("[main] presence gateway %s listening on %s", conf.GatewayID, conf.ListenAddr)
	if err := r.Run(conf.ListenAddr); err != nil {
		log.Fatalf("HTTP server failed: %v", err)
	}
}
