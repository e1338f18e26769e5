// journald はdigijournalのIdentity ProviderとRemote Data Storeを提供するサーバー。
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/hitoshi/digijournal/internal/app"
)

func main() {
	args := os.Args[1:]
	if app.IsHelp(args) {
		fmt.Print(app.Usage())
		return
	}

	if err := app.Run(os.Stdout, args); err != nil {
		slog.Error("journald exited with error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
