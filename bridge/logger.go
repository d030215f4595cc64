package bridge

import "github.com/amrbekhit/picprog"

var pkgLog = picprog.Discard

// SetLogger directs bridge output to l, usually an entry tagged with the port.
func SetLogger(l picprog.Logger) {
	if l == nil {
		l = picprog.Discard
	}
	pkgLog = l
}
