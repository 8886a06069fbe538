package tunnel

import (
	"errors"
	"io"
	"os"
)

// Stdio joins a reader and a writer into the socket of a pipe-mode tunnel,
// so the process can sit behind an ssh ProxyCommand.
type Stdio struct {
	io.Reader
	io.Writer
	closers []io.Closer
}

// NewStdio returns a Stdio over the process's stdin and stdout.
func NewStdio() *Stdio {
	return NewPipe(os.Stdin, os.Stdout)
}

// NewPipe returns a Stdio over r and w. Each of them that is an io.Closer is
// closed by Close.
func NewPipe(r io.Reader, w io.Writer) *Stdio {
	s := &Stdio{Reader: r, Writer: w}
	if c, ok := r.(io.Closer); ok {
		s.closers = append(s.closers, c)
	}
	if c, ok := w.(io.Closer); ok {
		s.closers = append(s.closers, c)
	}
	return s
}

// Close closes both ends.
func (s *Stdio) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
