package main

import "github.com/arcward/stockbot/cmd"

func main() {
	cmd.Execute()
}
