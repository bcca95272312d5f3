// Package cfimager implements the CF-imager driver: it
// accepts structured commands (changeDir, createFolder, rename, move,
// delete, readImage, writeImage, search) over the command bus and tracks
// cwd, directory entries, the current operation, and free disk space.
package cfimager

import (
	"sync"

	"github.com/go-kit/log"

	"github.com/MatthiasValvekens/bench-orchestrator/apperr"
	"github.com/MatthiasValvekens/bench-orchestrator/device"
)

// Command kinds accepted over the command bus.
const (
	CmdChangeDir    = "cfimager.changeDir"
	CmdCreateFolder = "cfimager.createFolder"
	CmdRename       = "cfimager.rename"
	CmdMove         = "cfimager.move"
	CmdDelete       = "cfimager.delete"
	CmdReadImage    = "cfimager.readImage"
	CmdWriteImage   = "cfimager.writeImage"
	CmdSearch       = "cfimager.search"
)

// Entry is one directory entry.
type Entry struct {
	Name  string
	IsDir bool
	Size  int64
}

// ChangeDirPayload, CreateFolderPayload, etc. are the structured command
// payloads dispatched by the WS command router.
type ChangeDirPayload struct{ Path string }
type CreateFolderPayload struct{ Path string }
type RenamePayload struct{ From, To string }
type MovePayload struct{ From, To string }
type DeletePayload struct{ Path string }
type ReadImagePayload struct{ Path string }
type WriteImagePayload struct {
	Path string
	Data []byte
}
type SearchPayload struct{ Query string }

// Executor performs the actual filesystem-like operation against the
// card. Concrete implementations talk to the device over its own
// protocol; Driver only sequences operations and tracks resulting state.
type Executor interface {
	ChangeDir(path string) ([]Entry, error)
	CreateFolder(path string) error
	Rename(from, to string) error
	Move(from, to string) error
	Delete(path string) error
	ReadImage(path string) ([]byte, error)
	WriteImage(path string, data []byte) error
	Search(query string) ([]Entry, error)
	DiskFreeBytes() (int64, error)
}

// Driver is the CF-imager driver.
type Driver struct {
	*device.Base
	exec Executor

	mu            sync.Mutex
	cwd           string
	entries       []Entry
	diskFreeBytes int64
}

// New constructs a Driver against the given Executor.
func New(exec Executor, logger log.Logger) *Driver {
	return &Driver{
		Base: device.NewBase(device.Config{Kind: "cf-imager"}, logger),
		exec: exec,
		cwd:  "/",
	}
}

// Cwd, Entries, DiskFreeBytes expose the tracked state snapshot.
func (d *Driver) Cwd() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cwd
}

func (d *Driver) Entries() []Entry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Entry, len(d.entries))
	copy(out, d.entries)
	return out
}

func (d *Driver) DiskFreeBytes() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.diskFreeBytes
}

// Submit enqueues one structured command as an Operation. kind must be
// one of the Cmd* constants; payload is one of the *Payload structs.
func (d *Driver) Submit(requestedBy, kind string, payload interface{}) *device.Operation {
	op := device.NewOperation(kind, requestedBy, payload)
	d.Enqueue(op)
	return op
}

// Run executes the active operation against the Executor and resolves
// it, updating tracked cwd/entries/diskFreeBytes as a side effect.
func (d *Driver) Run(op *device.Operation) device.Result {
	if cancelled, reason := op.Cancelled(); cancelled {
		return device.Result{Status: device.OpCancelled, Err: apperr.Cancelledf(reason)}
	}

	var (
		value interface{}
		err   error
	)
	switch op.Kind {
	case CmdChangeDir:
		p := op.Payload.(ChangeDirPayload)
		var entries []Entry
		entries, err = d.exec.ChangeDir(p.Path)
		if err == nil {
			d.mu.Lock()
			d.cwd = p.Path
			d.entries = entries
			d.mu.Unlock()
			value = entries
		}
	case CmdCreateFolder:
		p := op.Payload.(CreateFolderPayload)
		err = d.exec.CreateFolder(p.Path)
	case CmdRename:
		p := op.Payload.(RenamePayload)
		err = d.exec.Rename(p.From, p.To)
	case CmdMove:
		p := op.Payload.(MovePayload)
		err = d.exec.Move(p.From, p.To)
	case CmdDelete:
		p := op.Payload.(DeletePayload)
		err = d.exec.Delete(p.Path)
	case CmdReadImage:
		p := op.Payload.(ReadImagePayload)
		value, err = d.exec.ReadImage(p.Path)
	case CmdWriteImage:
		p := op.Payload.(WriteImagePayload)
		err = d.exec.WriteImage(p.Path, p.Data)
	case CmdSearch:
		p := op.Payload.(SearchPayload)
		value, err = d.exec.Search(p.Query)
	}

	if free, ferr := d.exec.DiskFreeBytes(); ferr == nil {
		d.mu.Lock()
		d.diskFreeBytes = free
		d.mu.Unlock()
	}

	if err != nil {
		return device.Result{Status: device.OpFailed, Err: err}
	}
	return device.Result{Status: device.OpCompleted, Value: value}
}
