// Package doctor runs local diagnostics for a stowage installation.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/stowage/internal/config"
	"github.com/basket/stowage/internal/persistence"
)

const (
	StatusPass = "PASS"
	StatusFail = "FAIL"
	StatusWarn = "WARN"
	StatusSkip = "SKIP"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == StatusFail {
			return true
		}
	}
	return false
}

// Run executes all diagnostic checks. cfg may be nil when config.yaml
// could not be loaded; dependent checks are skipped.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkWorker,
		checkStorage,
		checkGateway,
	}
	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}
	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: StatusFail, Message: "Configuration not loaded"}
	}
	if _, err := os.Stat(config.ConfigPath(cfg.HomeDir)); os.IsNotExist(err) {
		return CheckResult{Name: "Config", Status: StatusWarn, Message: "config.yaml missing; using defaults", Detail: cfg.HomeDir}
	}
	return CheckResult{
		Name:    "Config",
		Status:  StatusPass,
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  fmt.Sprintf("fingerprint=%s apps=%d", cfg.Fingerprint(), len(cfg.Apps)),
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: StatusSkip, Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Open failed: %v", err), Detail: cfg.DBPath}
	}
	defer store.Close()

	version, checksum, err := store.SchemaVersion(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: StatusFail, Message: fmt.Sprintf("Schema query failed: %v", err)}
	}
	return CheckResult{
		Name:    "Database",
		Status:  StatusPass,
		Message: fmt.Sprintf("Schema version %d", version),
		Detail:  fmt.Sprintf("path=%s checksum=%s", cfg.DBPath, checksum),
	}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: StatusSkip, Message: "Config missing"}
	}
	for _, dir := range []string{cfg.HomeDir, cfg.SocketDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
		}
		testFile := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: "Permissions", Status: StatusFail, Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		_ = os.Remove(testFile)
	}
	return CheckResult{Name: "Permissions", Status: StatusPass, Message: "Home and socket directories writable"}
}

func checkWorker(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Worker", Status: StatusSkip, Message: "Config missing"}
	}
	command := cfg.Worker.Command
	if command == "" {
		return CheckResult{Name: "Worker", Status: StatusWarn, Message: "worker.command not set; the daemon falls back to stowage-worker"}
	}
	path, err := exec.LookPath(command)
	if err != nil {
		return CheckResult{Name: "Worker", Status: StatusFail, Message: fmt.Sprintf("Worker executable not found: %v", err)}
	}
	return CheckResult{Name: "Worker", Status: StatusPass, Message: fmt.Sprintf("Worker executable %s", path)}
}

func checkStorage(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Storage", Status: StatusSkip, Message: "Config missing"}
	}
	u, err := url.Parse(cfg.Storage.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return CheckResult{Name: "Storage", Status: StatusFail, Message: fmt.Sprintf("Invalid storage.endpoint %q", cfg.Storage.Endpoint)}
	}
	if cfg.Storage.SigningKey == "" {
		return CheckResult{
			Name:    "Storage",
			Status:  StatusWarn,
			Message: "storage.signing_key not set; signed URLs will not survive a restart",
			Detail:  "Set storage.signing_key or STOWAGE_SIGNING_KEY",
		}
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, u.Hostname())
	latency := time.Since(start)
	if err != nil {
		return CheckResult{
			Name:    "Storage",
			Status:  StatusFail,
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", u.Hostname(), err),
			Detail:  fmt.Sprintf("latency=%dms", latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Storage",
		Status:  StatusPass,
		Message: fmt.Sprintf("Endpoint %s resolves (%d addresses, %dms)", u.Host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("bucket=%s", cfg.Storage.Bucket),
	}
}

func checkGateway(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gateway", Status: StatusSkip, Message: "Config missing"}
	}
	host, _, err := net.SplitHostPort(cfg.Gateway.BindAddr)
	if err != nil {
		return CheckResult{Name: "Gateway", Status: StatusFail, Message: fmt.Sprintf("Invalid gateway.bind_addr %q: %v", cfg.Gateway.BindAddr, err)}
	}
	h := strings.ToLower(strings.TrimSpace(host))
	loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
	if !loopback && cfg.Gateway.AuthToken == "" {
		return CheckResult{
			Name:    "Gateway",
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s is reachable off-host without auth_token", cfg.Gateway.BindAddr),
		}
	}
	return CheckResult{Name: "Gateway", Status: StatusPass, Message: fmt.Sprintf("Bind %s", cfg.Gateway.BindAddr)}
}
