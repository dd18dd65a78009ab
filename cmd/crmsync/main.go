// Package main is the entry point for the crmsync CLI.
package main

import "github.com/basecamp/crmsync/internal/cli"

func main() {
	cli.Execute()
}
