// File: cmd/fileserver/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// fileserver is the content-addressed file-transfer server's entry point:
// load configuration, create the file cache directory, wire the reactor
// loop pool and TcpServer to a filesession.FileManager, and run until
// SIGINT/SIGTERM.

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang/glog"
	"github.com/momentics/filecache/internal/bytebuffer"
	"github.com/momentics/filecache/internal/config"
	"github.com/momentics/filecache/internal/filesession"
	"github.com/momentics/filecache/internal/reactor"
	"github.com/momentics/filecache/internal/tcp"
)

func main() {
	daemonize := flag.Bool("d", false, "daemonize on Unix")
	configPath := flag.String("c", "fileserver.conf", "path to the configuration file")
	flag.Parse()

	if *daemonize {
		if err := daemonizeProcess(); err != nil {
			fmt.Fprintf(os.Stderr, "fileserver: daemonize: %v\n", err)
			os.Exit(1)
		}
	}

	glog.CopyStandardLogTo("INFO")
	defer glog.Flush()

	cfg, err := config.Load(*configPath)
	if err != nil {
		glog.Errorf("fileserver: load config: %v", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.FileCacheDir, 0o755); err != nil {
		glog.Errorf("fileserver: create file cache dir %s: %v", cfg.FileCacheDir, err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.LogFileDir, 0o755); err != nil {
		glog.Errorf("fileserver: create log dir %s: %v", cfg.LogFileDir, err)
		os.Exit(1)
	}
	// Route glog's files into the configured log directory unless the user
	// overrode -log_dir on the command line.
	if f := flag.Lookup("log_dir"); f != nil && f.Value.String() == "" {
		flag.Set("log_dir", cfg.LogFileDir)
	}

	ignoreSigpipe()

	manager := filesession.NewFileManager(cfg.FileCacheDir)
	if err := manager.LoadExisting(); err != nil {
		glog.Warningf("fileserver: scan existing cache: %v", err)
	}

	baseLoop, err := reactor.New()
	if err != nil {
		glog.Errorf("fileserver: create base loop: %v", err)
		os.Exit(1)
	}

	server, err := tcp.NewTcpServer(baseLoop, tcp.Options{
		IP:         cfg.ListenIP,
		Port:       cfg.ListenPort,
		NumLoops:   cfg.NumLoops,
		ReusePort:  cfg.ReusePort,
		PinWorkers: cfg.PinWorkers,
	})
	if err != nil {
		glog.Errorf("fileserver: create server: %v", err)
		os.Exit(1)
	}

	server.SetConnectionCallback(func(conn *tcp.TcpConnection) {
		if conn.Connected() {
			conn.Session = filesession.NewSession(manager)
			glog.Infof("fileserver: connection established %s <- %s", conn.ID(), conn.PeerAddr())
		} else {
			glog.Infof("fileserver: connection closed %s", conn.ID())
		}
	})
	server.SetMessageCallback(func(conn *tcp.TcpConnection, buf *bytebuffer.Buffer, receiveTime time.Time) {
		sess, ok := conn.Session.(*filesession.Session)
		if !ok || sess == nil {
			glog.Warningf("fileserver: message on %s with no session, force-closing", conn.ID())
			conn.ForceClose()
			return
		}
		sess.OnMessage(conn, buf, receiveTime)
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if err := server.Start(); err != nil {
		glog.Errorf("fileserver: start: %v", err)
		os.Exit(1)
	}
	glog.Infof("fileserver: listening on %s:%d", cfg.ListenIP, cfg.ListenPort)

	go func() {
		<-sigCh
		glog.Infof("fileserver: signal received, shutting down")
		server.Stop()
		baseLoop.Quit()
	}()

	baseLoop.Loop()
	glog.Infof("fileserver: shutdown complete")
}
