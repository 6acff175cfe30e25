package main

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/fentz26/warden/internal/config"
	"github.com/fentz26/warden/internal/tui"
	"github.com/spf13/cobra"
)

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Launch the interactive approval console",
	RunE:  runTUI,
}

func runTUI(cmd *cobra.Command, args []string) error {
	if !isDaemonRunning(apiAddr) {
		fmt.Println("⚡ Warden daemon not running. Starting background service...")
		if err := startDaemon(); err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
	}

	app := tui.New(apiAddr)
	if err := app.Run(); err != nil {
		return fmt.Errorf("TUI error: %w", err)
	}
	return nil
}

func isDaemonRunning(addr string) bool {
	client := http.Client{Timeout: 500 * time.Millisecond}
	resp, err := client.Get(addr + "/health")
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	// A degraded daemon answers 503 but is still up.
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusServiceUnavailable
}

// startDaemon runs "warden daemon" detached, logging to ~/.warden/daemon.log.
func startDaemon() error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}

	daemonArgs := []string{"daemon"}
	if configPath != "" {
		daemonArgs = append(daemonArgs, "--config", configPath)
	}
	c := exec.Command(exe, daemonArgs...)
	configureDaemonProc(c)

	if err := os.MkdirAll(config.Dir(), 0o700); err != nil {
		return err
	}
	logFile, err := os.OpenFile(filepath.Join(config.Dir(), "daemon.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer logFile.Close()
	c.Stdin = nil
	c.Stdout = logFile
	c.Stderr = logFile

	if err := c.Start(); err != nil {
		return err
	}

	fmt.Print("   Waiting for daemon...")
	for i := 0; i < 20; i++ {
		if isDaemonRunning(apiAddr) {
			fmt.Println(" Done.")
			return nil
		}
		time.Sleep(250 * time.Millisecond)
		fmt.Print(".")
	}
	fmt.Println(" Timeout!")
	return fmt.Errorf("daemon started but API not reachable at %s", apiAddr)
}
