package main

import (
	"fmt"
	"os"
	"strconv"
)

// pidLock holds an acquired lock file under the data directory. The engine
// must obtain it on start and release it on clean exit (spec section 6's
// filesystem layout); stale-PID detection is left to whatever sidecar tool
// inspects the file later, not the engine itself.
type pidLock struct {
	path string
	file *os.File
}

// acquirePIDLock creates path exclusively and writes the current process's
// PID into it as ASCII. A pre-existing file is treated as a live lock
// conflict (spec's 409 lock-conflict status), since only clean engine exit
// removes it.
func acquirePIDLock(path string) (*pidLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("engine: lock file %s already exists (another engine instance running?)", path)
		}
		return nil, fmt.Errorf("engine: create lock file: %w", err)
	}
	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("engine: write pid to lock file: %w", err)
	}
	return &pidLock{path: path, file: f}, nil
}

// Release closes and removes the lock file, the "release on clean exit"
// half of spec's lock contract.
func (l *pidLock) Release() {
	l.file.Close()
	os.Remove(l.path)
}
