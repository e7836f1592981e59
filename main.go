package main

import "github.com/dwarfedit/dwarfedit/cmd"

func main() {
	cmd.Execute()
}
