package main

import (
	"fmt"
	"os"
	_ "time/tzdata"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
