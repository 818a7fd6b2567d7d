package app

import "fmt"

// Command はlinkvaultバイナリのサブコマンド。
type Command string

const (
	CommandServe       Command = "serve"       // APIサーバー
	CommandWorker      Command = "worker"      // Webhookキュー処理と保持期間ジョブ
	CommandMigrate     Command = "migrate"     // migrate [up|down [n]|version]
	CommandHealthcheck Command = "healthcheck" // distrolessイメージのHEALTHCHECK用
)

// knownCommands はサブコマンドとフル初期化（設定読み込み・DB接続）の要否。
var knownCommands = map[Command]bool{
	CommandServe:       true,
	CommandWorker:      true,
	CommandMigrate:     true,
	CommandHealthcheck: false,
}

// Invocation は解析済みのコマンドライン。
type Invocation struct {
	Command Command
	Args    []string // サブコマンド以降の引数
}

// NeedsConfig はサブコマンドの実行前に設定の読み込みが必要かを返す。
func (inv Invocation) NeedsConfig() bool {
	return knownCommands[inv.Command]
}

// ParseCommand はos.Args[1:]を解析する。
// 引数が無い場合はserveとして扱い、未知のサブコマンドはエラーを返す。
func ParseCommand(args []string) (Invocation, error) {
	if len(args) == 0 {
		return Invocation{Command: CommandServe}, nil
	}
	cmd := Command(args[0])
	if _, ok := knownCommands[cmd]; !ok {
		return Invocation{}, fmt.Errorf("unknown command %q (want serve, worker, migrate or healthcheck)", args[0])
	}
	return Invocation{Command: cmd, Args: args[1:]}, nil
}
