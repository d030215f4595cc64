package picprog

// Logger receives progress and diagnostic output. *logrus.Logger and
// *logrus.Entry both satisfy it.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type discardLogger struct{}

func (discardLogger) Debugf(string, ...interface{}) {}
func (discardLogger) Infof(string, ...interface{})  {}
func (discardLogger) Warnf(string, ...interface{})  {}
func (discardLogger) Errorf(string, ...interface{}) {}

// Discard drops everything logged to it.
var Discard Logger = discardLogger{}

var pkgLog = Discard

// SetLogger directs package output to l. A nil l silences the package.
func SetLogger(l Logger) {
	if l == nil {
		l = Discard
	}
	pkgLog = l
}
