// Command vigil runs background tasks and lifecycle hooks from a manifest.
package main

import "github.com/marcus/vigil/cmd/vigil/commands"

func main() {
	commands.Execute()
}
