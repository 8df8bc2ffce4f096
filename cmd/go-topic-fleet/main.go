// Package main provides the go-topic-fleet CLI entry point.
//
// go-topic-fleet launches one model-serving process per topic count on
// port base+K, waits for the fleet to come up and tears it down on
// interrupt.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
)

// version is set at build time via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0" ./cmd/go-topic-fleet
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	a := newApp(stdin, stdout, stderr)

	root := a.rootCommand()
	root.SetArgs(args)
	root.SetIn(stdin)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		if a.exitCode == 0 {
			return 1
		}
	}
	return a.exitCode
}
