package logger

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// roleFormatter renders every line as "<role>(<port>) -> <message>".
type roleFormatter struct {
	prefix string
}

func (f *roleFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	return []byte(fmt.Sprintf("%s -> %s\n", f.prefix, entry.Message)), nil
}

// New returns a logger whose output carries the node's role and listening
// port. Role is "master" or "slave", matching what INFO reports.
func New(role string, port int) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&roleFormatter{prefix: fmt.Sprintf("%s(%d)", role, port)})
	return l
}
