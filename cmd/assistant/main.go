// The assistant bot splits encrypted group messages into per-member copies
// and parks copies for members that are offline.
package main

import "github.com/opd-ai/dimgroup/cmd/internal/botmain"

func main() {
	botmain.Main("dim-assistant", "DIM group assistant bot", false)
}
