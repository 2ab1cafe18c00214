// cmd/storyforge/main.go
package main

import (
	"fmt"
	"os"

	"github.com/Corphon/StoryForge/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "storyforge: fatal: %v\n", r)
			os.Exit(2)
		}
	}()
	os.Exit(cli.Execute())
}
