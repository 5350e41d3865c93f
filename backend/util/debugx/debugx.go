// Package debugx provides simple debugging facilities.
// It's not named debug to avoid name clash with the stdlib debug package.
// It's a separate package to allow easily grep-ing for debug statements in the codebase.
package debugx

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/sanity-io/litter"

	"sigtree/backend/signals"
	"sigtree/backend/util/revdbg"
)

var dumpCfg = litter.Options{
	StripPackageNames: true,
	HidePrivateFields: true,
	Separator:         " ",
}

// Re-exporting common debugging functions from other packages.
var (
	Print   = fmt.Print
	Println = fmt.Println
	Printf  = fmt.Printf
)

// Dump values to stdout with exported fields only.
func Dump(vv ...any) {
	dumpCfg.Dump(vv...)
}

// Sdump is like Dump but returns a string.
func Sdump(vv ...any) string {
	return dumpCfg.Sdump(vv...)
}

// DumpAll dumps all the values to stdout including private fields.
func DumpAll(vv ...any) {
	cfg := dumpCfg
	cfg.HidePrivateFields = false
	cfg.Dump(vv...)
}

// Revisions prints the node tables of the revisions into w, or into stderr if w is nil.
func Revisions(w io.Writer, revs ...signals.TreeRevision) {
	if w == nil {
		w = os.Stderr
	}
	for _, rev := range revs {
		revdbg.Print(w, rev)
	}
}

var vars = sync.Map{}

// SetVar is like a named breakpoint for print debugging.
// You'd add a named flag some place in the code after which you want to do some printing,
// and then you'd check if that flag is set in the code where you want to print.
// It's basically a thread-safe global variable, scoped to this debugging package for convenience.
func SetVar[T any](name string, v T) {
	vars.Store(name, v)
}

// GetVar returns the value of a named flag.
// If the flag is not set, or holds a value of another type, it returns the zero value and false.
func GetVar[T any](name string) (T, bool) {
	val, ok := vars.Load(name)
	if !ok {
		var zero T
		return zero, false
	}
	v, ok := val.(T)
	return v, ok
}

// CheckVar checks if a named flag is set.
func CheckVar(name string) bool {
	_, ok := vars.Load(name)
	return ok
}

// UnsetVar unsets a named flag.
func UnsetVar(name string) {
	vars.Delete(name)
}
