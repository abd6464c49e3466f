// Command ergotd runs a standalone ergot node process.
package main

import "github.com/jamesmunns/ergot/cmd/ergotd/cmd"

func main() {
	cmd.Execute()
}
