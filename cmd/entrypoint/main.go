// Package main runs the tracker and the web dashboard in one container.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
)

// defaultTrackerAddr is the tracker HTTP bind address for container use.
const defaultTrackerAddr = "0.0.0.0:8080"

// defaultWebAddr is the dashboard HTTP bind address for container use.
const defaultWebAddr = "0.0.0.0:8090"

// defaultTrackerURL is the loopback address the dashboard uses to reach
// the tracker inside the container.
const defaultTrackerURL = "http://127.0.0.1:8080"

// shutdownTimeout is the grace period before forcing child exit.
const shutdownTimeout = 10 * time.Second

// errChildExited marks a child that finished without an error. The
// supervisor still winds down the container, but exits zero.
var errChildExited = errors.New("exited")

// childProcess describes a managed child command.
type childProcess struct {
	name string
	cmd  *exec.Cmd
}

// main starts the tracker and the dashboard, then supervises them. When
// either child exits, or the container receives a stop signal, the other
// child is terminated and the entrypoint exits with the child's code.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	trackerAddr := getenvDefault("WAYPOST_TRACKER_HTTP_ADDR", defaultTrackerAddr)
	trackerCmd := exec.Command("/app/tracker", "-http-addr="+trackerAddr)
	tracker, err := startChild("tracker", trackerCmd)
	if err != nil {
		log.Fatalf("failed to start tracker: %v", err)
	}

	webAddr := getenvDefault("WAYPOST_WEB_HTTP_ADDR", defaultWebAddr)
	trackerURL := getenvDefault("WAYPOST_TRACKER_URL", defaultTrackerURL)
	webCmd := exec.Command(
		"/app/web",
		"-http-addr="+webAddr,
		"-tracker-url="+trackerURL,
	)
	web, err := startChild("web", webCmd)
	if err != nil {
		terminateChildren([]*childProcess{tracker})
		log.Fatalf("failed to start web dashboard: %v", err)
	}

	g, runCtx := errgroup.WithContext(ctx)
	for _, child := range []*childProcess{tracker, web} {
		g.Go(func() error {
			return superviseChild(runCtx, child)
		})
	}

	err = g.Wait()
	if ctx.Err() != nil {
		log.Printf("shutdown signal received")
		return
	}
	if err == nil {
		return
	}

	log.Printf("%v", err)
	if errors.Is(err, errChildExited) {
		return
	}
	os.Exit(exitCode(err))
}

// startChild starts a child process with inherited stdio streams.
func startChild(name string, cmd *exec.Cmd) (*childProcess, error) {
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	err := cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}

	return &childProcess{name: name, cmd: cmd}, nil
}

// superviseChild waits for a child to exit. Any exit is reported as an
// error so the group context cancels and sibling supervisors tear their
// children down. On cancellation the child gets SIGTERM, then SIGKILL
// after the grace period.
func superviseChild(ctx context.Context, child *childProcess) error {
	waited := make(chan error, 1)
	go func() {
		waited <- child.cmd.Wait()
	}()

	select {
	case err := <-waited:
		if err != nil {
			return fmt.Errorf("%s: %w", child.name, err)
		}
		return fmt.Errorf("%s %w", child.name, errChildExited)
	case <-ctx.Done():
	}

	_ = child.cmd.Process.Signal(syscall.SIGTERM)

	timer := time.NewTimer(shutdownTimeout)
	defer timer.Stop()
	select {
	case <-waited:
	case <-timer.C:
		_ = child.cmd.Process.Kill()
		<-waited
	}
	return nil
}

// terminateChildren sends SIGTERM to all child processes.
func terminateChildren(children []*childProcess) {
	for _, child := range children {
		if child == nil || child.cmd == nil || child.cmd.Process == nil {
			continue
		}
		_ = child.cmd.Process.Signal(syscall.SIGTERM)
	}
}

// exitCode derives a process exit code from a wait error.
func exitCode(err error) int {
	if err == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}

	return 1
}

// getenvDefault returns the env value or a fallback when unset.
func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}
