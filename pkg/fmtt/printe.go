package fmtt

import (
	"errors"
	"fmt"
	"io"

	"github.com/davecgh/go-spew/spew"
)

// PrintErrChain walks an error chain and writes each layer with its concrete
// type, outermost first.
func PrintErrChain(w io.Writer, err error) {
	if err == nil {
		fmt.Fprintln(w, "<nil>")
		return
	}

	i := 0
	for e := err; e != nil; e = errors.Unwrap(e) {
		fmt.Fprintf(w, "[%d] %T: %v\n", i, e, e)
		i++
	}
}

// Dump pretty-prints an arbitrary value with its concrete types. Debug aid
// for the interactive console; not for the hot path.
func Dump(label string, v any) {
	fmt.Printf("--- %s ---\n", label)
	spew.Dump(v)
}
