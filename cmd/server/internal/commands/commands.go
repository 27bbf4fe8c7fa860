package commands

import (
	"io"
	"os"
)

type Globals struct {
	Debug   bool
	Version string
}

func outputOrStdout(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}
	return w
}
