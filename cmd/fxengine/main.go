package main

import (
	"errors"
	"os"

	"github.com/rustyeddy/fxengine/cmd/fxengine/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		var xe *cmd.ExitError
		if errors.As(err, &xe) {
			os.Exit(xe.Code)
		}
		os.Exit(1)
	}
}
