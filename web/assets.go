// Package web embeds the single-page export UI served at "/".
package web

import (
	"embed"
	"io/fs"
)

//go:embed dist
var Assets embed.FS

// Dist returns the UI files rooted at dist/.
func Dist() (fs.FS, error) {
	return fs.Sub(Assets, "dist")
}
