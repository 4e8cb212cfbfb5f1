// Command turngate runs a STUN/TURN relay server.
package main

import "github.com/turngate/turngate/internal/cli"

func main() {
	cli.Execute()
}
