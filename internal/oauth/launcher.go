package oauth

import (
	"os/exec"
	"runtime"
)

// Launcher opens the authorization popup. A false return means no window
// handle was obtained and the popup is considered blocked.
type Launcher interface {
	Open(name, authURL string) bool
}

type LauncherFunc func(name, authURL string) bool

func (f LauncherFunc) Open(name, authURL string) bool { return f(name, authURL) }

// PopupName is the window name used for a provider's popup so a second
// attempt reuses the same window.
func PopupName(provider string) string { return provider + "_oauth" }

// BrowserLauncher opens the system browser, used by the CLI.
type BrowserLauncher struct{}

func (BrowserLauncher) Open(_ string, authURL string) bool {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", authURL)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", authURL)
	default:
		cmd = exec.Command("xdg-open", authURL)
	}
	if err := cmd.Start(); err != nil {
		return false
	}
	go cmd.Wait()
	return true
}
