// Command linkvault はLinkVaultのAPIサーバー・ワーカー・マイグレーションを起動する。
//
//	linkvault [serve]              APIサーバー
//	linkvault worker               Webhookキュー処理と定期クリーンアップ
//	linkvault migrate [up|down [n]|version]
//	linkvault healthcheck          /health を確認（コンテナのヘルスチェック用）
package main

import (
	"fmt"
	"os"

	"github.com/hitoshi/linkvault/internal/app"
)

func main() {
	if err := app.Run(os.Stdout, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
