//go:build windows

package terminal

import (
	"errors"
	"os"
	"os/exec"
)

func openPair(rows, cols uint16) (*os.File, *os.File, error) {
	return nil, nil, errors.ErrUnsupported
}

func setControllingTTY(cmd *exec.Cmd) {}

func isHangup(err error) bool { return false }

func hangup(p *os.Process) error { return p.Kill() }

func kill(p *os.Process) error { return p.Kill() }
