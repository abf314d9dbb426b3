package main

import "github.com/modelpack/mstore/cmd/mstore/cmd"

func main() {
	cmd.Execute()
}
