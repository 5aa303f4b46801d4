package main

import "github.com/CraigKelly/prefetch/cmd"

// TODO: checkpointing for chains (so we can freeze and continue) - the tail
//       value, its density and the generator position all need saving

func main() {
	cmd.Execute()
}
