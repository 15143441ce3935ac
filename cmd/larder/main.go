// Command larder is the CLI entry point for the larder store.
package main

import "github.com/ntropish/larder/internal/cli"

func main() {
	cli.Execute()
}
