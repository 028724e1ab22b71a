package main

import (
	"context"
	"os"
	"strings"
	"sync"
)

// fakeSession records every remote operation and serves canned responses
// keyed by command substring.
type fakeSession struct {
	mu      sync.Mutex
	cmds    []string
	pushes  []string
	outputs map[string]string
	fails   map[string]error

	forwardAddr string
	forwardErr  error
	closeCount  int
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		outputs:     map[string]string{},
		fails:       map[string]error{},
		forwardAddr: "127.0.0.1:18080",
	}
}

func (f *fakeSession) Exec(_ context.Context, command string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, command)
	for substr, err := range f.fails {
		if strings.Contains(command, substr) {
			return "", err
		}
	}
	for substr, out := range f.outputs {
		if strings.Contains(command, substr) {
			return out, nil
		}
	}
	return "", nil
}

func (f *fakeSession) Push(_ context.Context, localPath, remotePath string, _ os.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, remotePath)
	return nil
}

func (f *fakeSession) ForwardPort(_ context.Context, _ int) (string, error) {
	if f.forwardErr != nil {
		return "", f.forwardErr
	}
	return f.forwardAddr, nil
}

func (f *fakeSession) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closeCount++
	return nil
}

// count returns how many executed commands contain the substring.
func (f *fakeSession) count(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, cmd := range f.cmds {
		if strings.Contains(cmd, substr) {
			n++
		}
	}
	return n
}

// testConfig is the toolset map used across the controller tests.
func testConfig() *Config {
	return &Config{
		Toolsets: map[string]string{
			"toolsetX": "repoY",
		},
		Repos: map[string]DeploymentBundle{
			"repoY": {
				User:                "g2main",
				Stratum0:            "stratum0.example.org",
				CondaPath:           "/cvmfs/repoY/deps/_conda",
				InstallDBPath:       "/cvmfs/repoY/config/galaxy_install_db.sqlite",
				ShedToolConfig:      "/cvmfs/repoY/config/shed_tool_conf.xml",
				ShedDataTableConfig: "/cvmfs/repoY/config/shed_tool_data_table_conf.xml",
				ShedToolsDir:        "/cvmfs/repoY/shed_tools",
				Image:               "galaxy/galaxy:20.01",
				Strategy:            LaunchStable,
			},
		},
	}
}
