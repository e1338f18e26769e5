// journal はdigijournalのコマンドラインクライアント。
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hitoshi/digijournal/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// エラーはcobraがstderrに出力する
	if err := cli.NewRootCommand(nil).ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
