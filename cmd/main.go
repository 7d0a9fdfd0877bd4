package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"video_chat_mini/internal/config"
	"video_chat_mini/internal/routes"
	"video_chat_mini/internal/services"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	log.Println("视频对话服务启动中...")

	// 加载配置
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sessions := services.NewSessionService(cfg)

	servers := []*http.Server{{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: routes.NewChatEngine(sessions, cfg),
	}}
	if cfg.Relay.Enabled {
		servers = append(servers, &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Relay.Host, cfg.Relay.Port),
			Handler: routes.NewRelayEngine(cfg.Relay),
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			log.Printf("[INFO] HTTP服务器监听: %s", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("服务器 %s 异常退出: %w", srv.Addr, err)
			}
			return nil
		})
	}

	// 定期清理过期会话
	g.Go(func() error {
		sessions.Run(gctx, cfg.Server.CleanupInterval)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Println("正在关闭服务器...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				log.Printf("[ERROR] 关闭服务器 %s 失败: %v", srv.Addr, err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("服务运行失败: %v", err)
	}
	log.Println("服务已退出")
}
