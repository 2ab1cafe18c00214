// cmd/server/main.go
package main

import (
	"log"

	"github.com/Corphon/StoryForge/internal/app"
	"github.com/Corphon/StoryForge/internal/config"
)

func main() {
	log.Println("🚀 启动 StoryForge 服务器...")

	baseConfig, err := config.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	application := app.GetApp()
	defer application.Cleanup()

	if err := application.InitServices(baseConfig); err != nil {
		log.Fatalf("初始化服务失败: %v", err)
	}
	log.Printf("🌐 服务器启动在端口 %s", baseConfig.Port)

	if err := application.Run(); err != nil {
		log.Printf("❌ %v", err)
	}
}
