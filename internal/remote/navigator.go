package remote

import (
	"fmt"
	"io"
	"os/exec"
	"runtime"
)

// Navigator はリダイレクト先のURLへユーザーを遷移させる。
type Navigator interface {
	Open(url string) error
}

// BrowserNavigator はOSの既定ブラウザでURLを開く。
// 開けなかった場合はFallbackにURLを表示する。
type BrowserNavigator struct {
	Fallback io.Writer
}

func (n BrowserNavigator) Open(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}

	if err := cmd.Start(); err != nil {
		if n.Fallback == nil {
			return fmt.Errorf("failed to open browser: %w", err)
		}
		return PrintNavigator{W: n.Fallback}.Open(url)
	}
	// 子プロセスを回収する
	go cmd.Wait()
	return nil
}

// PrintNavigator はURLを書き出すだけで、遷移はユーザーに委ねる。
type PrintNavigator struct {
	W io.Writer
}

func (n PrintNavigator) Open(url string) error {
	_, err := fmt.Fprintf(n.W, "Open the following URL in your browser to sign in:\n\n  %s\n\n", url)
	return err
}
