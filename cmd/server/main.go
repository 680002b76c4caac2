package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/xmh1011/go-tps/engine/lsm/merge"
	"github.com/xmh1011/go-tps/engine/lsm/store"
	"github.com/xmh1011/go-tps/engine/lsm/table"
	"github.com/xmh1011/go-tps/pkg/config"
	"github.com/xmh1011/go-tps/pkg/log"
)

var configPath string

func main() {
	var rootCmd = &cobra.Command{
		Use:   "tps-server",
		Short: "A temporal property store maintenance daemon",
		RunE:  runServer,
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runServer(_ *cobra.Command, _ []string) error {
	// 1. 初始化配置
	if err := config.Init(configPath); err != nil {
		return fmt.Errorf("failed to initialize config: %w", err)
	}
	cfg := config.GetConfig()

	// 2. 初始化 logger
	log.Init(cfg.Log)

	// 3. 打开存储并启动合并线程
	s, err := store.Open(cfg.Store.RootPath, storeOptions(cfg.Store))
	if err != nil {
		log.Errorf("Failed to open store: %v", err)
		return fmt.Errorf("failed to open store: %w", err)
	}

	// 4. 暴露合并指标
	httpServer := &http.Server{Addr: cfg.Store.MetricsAddr, Handler: promhttp.Handler()}
	go func() {
		log.Infof("Serving metrics on %s", cfg.Store.MetricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to serve metrics: %v", err)
		}
	}()

	waitForSignal()

	log.Info("Shutting down...")
	_ = httpServer.Close()
	if err := s.Close(); err != nil {
		log.Errorf("Failed to close store: %s", err.Error())
		return err
	}
	log.Info("Store closed")
	return nil
}

func storeOptions(cfg config.StoreConfig) store.Options {
	return store.Options{
		Table: table.Options{
			BlockSize:       cfg.BlockSize,
			RestartInterval: cfg.RestartInterval,
			BloomBits:       cfg.BloomBits,
			BloomHashes:     cfg.BloomHashes,
		},
		TableCacheSize:  cfg.TableCacheSize,
		MaxMemTableSize: uint64(cfg.MaxMemTableSize),
		Metrics:         merge.NewMetrics(prometheus.DefaultRegisterer),
	}
}

func waitForSignal() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
}
