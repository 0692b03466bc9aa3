package main

import (
	"expvar"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gowvp/astra/internal/app"
	"github.com/gowvp/astra/internal/conf"
	"github.com/ixugo/goddd/pkg/web"
	"github.com/spf13/pflag"
)

var (
	buildVersion = "0.0.1" // 构建版本号
	gitBranch    = "dev"
	gitHash      = "debug"
)

func main() {
	configDir := pflag.String("conf", "./configs", "配置文件目录")
	printToken := pflag.Bool("print-token", false, "输出接口访问 token 后退出，供桌面壳使用")
	tokenTTL := pflag.Duration("token-ttl", 30*24*time.Hour, "token 有效期")
	pflag.Parse()

	expvar.NewString("version").Set(buildVersion)
	expvar.NewString("git_branch").Set(gitBranch)
	expvar.NewString("git_hash").Set(gitHash)

	bc, err := conf.SetupConfig(*configDir)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	bc.BuildVersion = buildVersion

	if *printToken {
		token, err := web.NewToken(map[string]any{"client": "shell"}, bc.Server.HTTP.JwtSecret, web.WithExpiresAt(time.Now().Add(*tokenTTL)))
		if err != nil {
			slog.Error("new token", "err", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	if err := app.Run(bc); err != nil {
		slog.Error("server exit", "err", err)
		os.Exit(1)
	}
}
