package browser

import (
	"context"
	"io"

	sysbrowser "github.com/pkg/browser"
)

func init() {
	// keep xdg-open and friends from writing into our terminal
	sysbrowser.Stdout = io.Discard
	sysbrowser.Stderr = io.Discard
}

// SystemBrowser opens rawURL in the user's default browser.
func SystemBrowser(_ context.Context, rawURL string) error {
	return sysbrowser.OpenURL(rawURL)
}
