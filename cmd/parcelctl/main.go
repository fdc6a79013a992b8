package main

import "github.com/tracksnap/parcelhub/internal/cli"

func main() {
	cli.Execute()
}
