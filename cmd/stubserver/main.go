package main

import (
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/storyweave/client-go/internal/stubserver"
)

func main() {
	_ = godotenv.Load()

	log, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	addr := os.Getenv("STORYWEAVE_STUB_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	_, handler := stubserver.New(log)

	log.Info("stub backend listening", zap.String("addr", addr))
	if err := http.ListenAndServe(addr, handler); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}
