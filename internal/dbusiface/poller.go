package dbusiface

import (
	"log/slog"
	"time"

	"github.com/dgpuctl/dgpuctl/internal/mode"
)

// DefaultPollInterval is how often the dGPU power status is sampled.
const DefaultPollInterval = 2 * time.Second

// PowerPoller samples the dGPU runtime power status and emits PowerChanged
// when it moves. The kernel offers no notification for runtime_status, so
// polling is the only option.
type PowerPoller struct {
	server   *Server
	hw       HardwareInfo
	interval time.Duration
	logger   *slog.Logger

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPowerPoller creates a poller bound to the server's signal emitter.
func NewPowerPoller(server *Server, hw HardwareInfo, interval time.Duration, logger *slog.Logger) *PowerPoller {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PowerPoller{
		server:   server,
		hw:       hw,
		interval: interval,
		logger:   logger,
	}
}

// Start begins sampling in a background goroutine.
func (p *PowerPoller) Start() {
	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.run()
}

func (p *PowerPoller) run() {
	defer close(p.doneCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	last := p.hw.RuntimeStatus()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			status := p.hw.RuntimeStatus()
			if status == last {
				continue
			}
			p.logger.Debug("dGPU power status changed",
				"from", last.String(), "to", status.String())
			last = status
			if status == mode.PowerUnknown {
				continue
			}
			if err := p.server.EmitPowerChanged(status); err != nil {
				p.logger.Warn("failed to emit PowerChanged", "error", err)
			}
		}
	}
}

// Stop ends the sampling goroutine and waits for it to exit.
func (p *PowerPoller) Stop() {
	if p.stopCh == nil {
		return
	}
	close(p.stopCh)
	<-p.doneCh
}
