package version

import _ "embed"

//go:embed VERSION
var VERSION string

// Commit is stamped through -ldflags at release time.
var Commit = "dev"

func PrintVersion() {
	println("holytunnel", VERSION)
	println("A minimal forward/tunneling HTTP(S) proxy.")
}
