package plugin

import (
	"github.com/brunobiangulo/goextract/errcode"
)

// Call runs fn as a call into the named plugin. A panic is recovered and
// returned as an ErrPanic error carrying its PanicContext; any other error
// is tagged with the plugin name.
func Call(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errcode.FromPanic(name, r)
		}
	}()
	return errcode.PluginErr(name, fn())
}
