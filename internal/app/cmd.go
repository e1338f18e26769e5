package app

import (
	"fmt"
	"strings"
)

// Command はjournaldの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバー（Identity Provider + Remote Data Store）として起動する。
	CommandServe Command = "serve"
	// CommandWorker は認証情報のクリーンアップワーカーとして起動する。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行する。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行する。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

var commandSummaries = []struct {
	cmd     Command
	summary string
}{
	{CommandServe, "APIサーバーを起動する（デフォルト）"},
	{CommandWorker, "期限切れの認可コードとリフレッシュトークンを定期削除する"},
	{CommandMigrate, "未適用のマイグレーションを適用する"},
	{CommandHealthcheck, "起動中のサーバーの /health を確認する"},
}

// ParseCommand はコマンドライン引数からサブコマンドを解析する。
// 引数が空またはサポート外のコマンドの場合はCommandServeを返す。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	for _, c := range commandSummaries {
		if string(c.cmd) == args[0] {
			return c.cmd
		}
	}
	return CommandServe
}

// IsHelp は引数がヘルプ要求かを返す。
func IsHelp(args []string) bool {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "help", "-h", "--help":
		return true
	}
	return false
}

// Usage はサブコマンドの一覧を返す。
func Usage() string {
	var b strings.Builder
	b.WriteString("usage: journald [command]\n\ncommands:\n")
	for _, c := range commandSummaries {
		fmt.Fprintf(&b, "  %-12s %s\n", c.cmd, c.summary)
	}
	return b.String()
}
