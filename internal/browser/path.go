package browser

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/go-rod/rod/lib/launcher"
)

// wellKnownPaths lists browser locations checked after the environment.
func wellKnownPaths(goos string, getenv func(string) string) []string {
	switch goos {
	case "windows":
		return []string{
			`C:\Program Files\Google\Chrome\Application\chrome.exe`,
			`C:\Program Files (x86)\Google\Chrome\Application\chrome.exe`,
			filepath.Join(getenv("LOCALAPPDATA"), `Google\Chrome\Application\chrome.exe`),
		}
	case "darwin":
		return []string{
			"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
			"/Applications/Chromium.app/Contents/MacOS/Chromium",
		}
	default:
		return []string{
			"/usr/bin/chromium",
			"/usr/bin/chromium-browser",
			"/usr/bin/google-chrome-stable",
			"/usr/bin/google-chrome",
		}
	}
}

type pathFinder struct {
	goos     string
	getenv   func(string) string
	exists   func(string) bool
	lookPath func() (string, bool)
}

func defaultPathFinder() pathFinder {
	return pathFinder{
		goos:   runtime.GOOS,
		getenv: os.Getenv,
		exists: func(p string) bool {
			info, err := os.Stat(p)
			return err == nil && !info.IsDir()
		},
		lookPath: launcher.LookPath,
	}
}

// find returns the browser binary and where it came from. An empty path means
// nothing was found.
func (f pathFinder) find(configured string) (path, source string) {
	if configured != "" {
		return configured, "config"
	}
	for _, env := range []string{"PUPPETEER_EXECUTABLE_PATH", "CHROME_BIN"} {
		if p := f.getenv(env); p != "" {
			return p, env
		}
	}
	for _, p := range wellKnownPaths(f.goos, f.getenv) {
		if f.exists(p) {
			return p, "well-known path"
		}
	}
	if f.lookPath != nil {
		if p, ok := f.lookPath(); ok {
			return p, "launcher lookup"
		}
	}
	return "", ""
}
