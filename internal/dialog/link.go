package dialog

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fexd/fexd/internal/fsstate"
	"github.com/fexd/fexd/internal/wire"
)

// Link resolves a symlink's target from the peer and recreates it
// locally, per spec §4.8.8.
type Link struct {
	baseDialog

	path  fsstate.Path
	state *fsstate.FileState
}

func NewLink(path fsstate.Path, state *fsstate.FileState) *Link {
	return &Link{path: path, state: state}
}

func (d *Link) Name() string { return "Link" }

func (d *Link) Run(h Host) (bool, error) {
	return false, h.Send(wire.MsgGetLink, []byte(d.path))
}

func (d *Link) Step(h Host, f *wire.Frame) (bool, error) {
	if f.Type != wire.MsgLinkDest {
		return false, fmt.Errorf("dialog: Link expected LinkDest, got %s", f.Type)
	}
	target := string(f.Data)

	full := filepath.Join(h.WatchPoint().Dir(), filepath.FromSlash(string(d.path)))
	if err := os.RemoveAll(full); err != nil {
		return false, fmt.Errorf("dialog: Link remove existing %s: %w", full, err)
	}
	if err := os.Symlink(target, full); err != nil {
		return false, fmt.Errorf("dialog: Link create symlink %s: %w", full, err)
	}
	if d.state != nil {
		if err := h.WatchPoint().ChangeAccess(d.path, d.state); err != nil {
			return false, err
		}
	}
	return true, nil
}

func readLink(path string) (string, error) {
	return os.Readlink(path)
}
