// Package web embeds the single-page browser UI.
package web

import (
	_ "embed"
)

//go:embed index.html
var index []byte

// Index returns the page served at /.
func Index() []byte {
	return index
}
