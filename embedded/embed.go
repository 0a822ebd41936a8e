package embedded

import (
	_ "embed"
)

//go:embed sketch.tmpl
var sketch string

// Sketch returns the text/template that wraps a robot program into an
// Arduino sketch. The program is available as {{.Program}}.
func Sketch() string {
	return sketch
}
