package proxy

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"

	"github.com/rave-org/rave/apps/spawn-hub/internal/store"
)

// Launch starts the reverse proxy binary configured to route to the hub by
// default. The control-plane token is handed over through the environment.
// The returned process is the caller's to terminate on shutdown.
func Launch(cmd string, p *store.Proxy, hub *store.Hub, logger *slog.Logger) (*os.Process, error) {
	if logger == nil {
		logger = slog.Default()
	}

	proc := exec.Command(cmd,
		"--ip", p.PublicServer.IP,
		"--port", strconv.Itoa(p.PublicServer.Port),
		"--api-ip", p.APIServer.IP,
		"--api-port", strconv.Itoa(p.APIServer.Port),
		"--default-target", hub.Server.Host(),
	)
	proc.Env = append(os.Environ(), "CONFIGPROXY_AUTH_TOKEN="+p.AuthToken)
	proc.Stdout = os.Stdout
	proc.Stderr = os.Stderr

	if err := proc.Start(); err != nil {
		return nil, fmt.Errorf("start proxy: %w", err)
	}
	logger.Info("proxy started",
		"cmd", cmd,
		"public", p.PublicServer.Addr(),
		"api", p.APIServer.Addr(),
		"pid", proc.Process.Pid,
	)

	// Reap the child if it ever exits on its own.
	go func() {
		if err := proc.Wait(); err != nil {
			logger.Error("proxy exited", "err", err)
		}
	}()

	return proc.Process, nil
}
