// Package main provides the entry point for the studyctx CLI.
package main

import (
	"fmt"
	"os"

	"github.com/LisaHo0104/canvas-chatbot-Gemini-sub004/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
