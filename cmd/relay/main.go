package main

import "github.com/nkkko/notify-relay/internal/cli"

func main() {
	cli.Main()
}
