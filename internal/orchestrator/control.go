package orchestrator

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// Control marker files in PATHROOT. Operators may create them by hand, the
// internal SYS actions create them too.
const (
	ReloadFile   = "jobsos.reload"
	QuitFile     = "jobsos.quit"
	ShutdownFile = "jobsos.shutdown"
	RebootFile   = "jobsos.reboot"
)

const (
	StopQuit     = "SYS.QUIT"
	StopShutdown = "SYS.SHUTDOWN"
	StopReboot   = "SYS.REBOOT"
)

var stopFiles = map[string]string{
	StopQuit:     QuitFile,
	StopShutdown: ShutdownFile,
	StopReboot:   RebootFile,
}

// Control carries the stop and reload requests between jobs and the cycle
// controller.
type Control struct {
	root   string
	mx     sync.Mutex
	stop   string
	reload bool
}

func NewControl(root string) *Control {
	return &Control{root: root}
}

// Reset removes marker files left by a previous run.
func (c *Control) Reset() error {
	var errs []error
	for _, name := range []string{ReloadFile, QuitFile, ShutdownFile, RebootFile} {
		if err := os.Remove(filepath.Join(c.root, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Stop requests the controller not to start another cycle. reason is one
// of the Stop constants.
func (c *Control) Stop(reason string) error {
	c.mx.Lock()
	if c.stop == "" {
		c.stop = reason
	}
	c.mx.Unlock()
	name, ok := stopFiles[reason]
	if !ok {
		name = QuitFile
	}
	return c.touch(name)
}

func (c *Control) RequestReload() error {
	c.mx.Lock()
	c.reload = true
	c.mx.Unlock()
	return c.touch(ReloadFile)
}

// Stopping returns the stop reason, if any.
func (c *Control) Stopping() (string, bool) {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.stop, c.stop != ""
}

// TakeReload reports and clears a pending reload request.
func (c *Control) TakeReload() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	r := c.reload
	c.reload = false
	return r
}

// Poll picks up marker files created outside the process. The reload and
// quit markers are consumed, shutdown and reboot markers stay for the
// service wrapper.
func (c *Control) Poll() {
	if c.exists(ReloadFile) {
		c.mx.Lock()
		c.reload = true
		c.mx.Unlock()
		_ = os.Remove(filepath.Join(c.root, ReloadFile))
	}
	for _, reason := range []string{StopShutdown, StopReboot, StopQuit} {
		if !c.exists(stopFiles[reason]) {
			continue
		}
		c.mx.Lock()
		if c.stop == "" {
			c.stop = reason
		}
		c.mx.Unlock()
		if reason == StopQuit {
			_ = os.Remove(filepath.Join(c.root, QuitFile))
		}
		return
	}
}

func (c *Control) exists(name string) bool {
	_, err := os.Stat(filepath.Join(c.root, name))
	return err == nil
}

func (c *Control) touch(name string) error {
	if c.root == "" {
		return nil
	}
	return os.WriteFile(filepath.Join(c.root, name), nil, 0o644)
}
