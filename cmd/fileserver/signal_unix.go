// File: cmd/fileserver/signal_unix.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Unix process setup: SIGPIPE ignored so a peer reset surfaces as an EPIPE
// write error instead of killing the process, SIGCHLD left at its default,
// and daemonization for -d.

//go:build linux || darwin

package main

import (
	"os"
	"os/signal"
	"syscall"
)

func ignoreSigpipe() {
	signal.Ignore(syscall.SIGPIPE)
}

// daemonizeProcess detaches the process from its controlling terminal by
// forking and starting a new session, the way a classic Unix daemon does.
// Go cannot safely fork after the runtime has started goroutines, so this
// re-execs itself with a marker environment variable instead of calling
// fork(2) directly.
const daemonizedEnvVar = "FILESERVER_DAEMONIZED"

func daemonizeProcess() error {
	if os.Getenv(daemonizedEnvVar) == "1" {
		return nil
	}

	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	defer devNull.Close()

	env := append(os.Environ(), daemonizedEnvVar+"=1")
	proc, err := os.StartProcess(os.Args[0], os.Args, &os.ProcAttr{
		Env:   env,
		Files: []*os.File{devNull, devNull, devNull},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	})
	if err != nil {
		return err
	}
	_ = proc.Release()
	os.Exit(0)
	return nil
}
