package main

import "github.com/inventag/inventag/cmd/inventag/commands"

func main() {
	commands.Execute()
}
