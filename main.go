package main

import "amt/internal/cli"

func main() {
	cli.Main()
}
