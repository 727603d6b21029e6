// The usher bot greets returning users and invites strangers into the
// current group.
package main

import "github.com/opd-ai/dimgroup/cmd/internal/botmain"

func main() {
	botmain.Main("dim-usher", "DIM group usher bot", true)
}
