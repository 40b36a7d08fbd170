//go:build !unix

package console

import (
	"os"

	"github.com/ardnew/softxhci/pkg"
)

type rawState struct{}

// Open reports ErrNotSupported; raw terminal mode needs a Unix host.
func Open(f *os.File) (*Console, error) {
	return nil, pkg.ErrNotSupported
}

// Close does nothing.
func (c *Console) Close() error { return nil }
