package daemon

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/pilebones/go-udev/netlink"

	"neurorec/internal/config"
	"neurorec/internal/logging"
)

// deviceMonitor listens for udev netlink remove events of the acquisition
// hardware and reports the removed device.
type deviceMonitor struct {
	subsystem string
	vendorID  string
	logger    *slog.Logger
	onRemove  func(device string)

	mu      sync.Mutex
	conn    *netlink.UEventConn
	quit    chan struct{}
	running bool
}

// newDeviceMonitor returns nil when monitoring is disabled.
func newDeviceMonitor(cfg config.Devices, logger *slog.Logger, onRemove func(string)) *deviceMonitor {
	if !cfg.Monitor {
		return nil
	}
	subsystem := strings.TrimSpace(cfg.Subsystem)
	if subsystem == "" {
		return nil
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &deviceMonitor{
		subsystem: subsystem,
		vendorID:  strings.ToLower(strings.TrimSpace(cfg.VendorID)),
		logger:    logging.NewComponentLogger(logger, "device-monitor"),
		onRemove:  onRemove,
	}
}

// Start begins listening for udev netlink events. A netlink failure is
// logged and leaves the daemon running without hot-unplug detection.
func (m *deviceMonitor) Start(ctx context.Context) error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		logging.WarnWithContext(m.logger, "failed to connect to netlink socket; device removal will not stop sessions", "netlink_connect_failed",
			logging.String(logging.FieldErrorHint, "ensure the daemon has permission to access netlink sockets"),
			logging.String(logging.FieldImpact, "unplugged hardware is only noticed when its source fails"),
			logging.Error(err),
		)
		return nil
	}

	m.conn = conn
	m.quit = make(chan struct{})
	m.running = true

	quit := m.quit
	go m.monitorLoop(ctx, conn, quit)

	m.logger.Info("device monitor started",
		logging.String(logging.FieldEventType, "device_monitor_started"),
		logging.String("subsystem", m.subsystem),
		logging.String("vendor_id", m.vendorID),
	)
	return nil
}

// Stop shuts down the monitor.
func (m *deviceMonitor) Stop() {
	if m == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return
	}
	if m.quit != nil {
		close(m.quit)
		m.quit = nil
	}
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.running = false
	m.logger.Info("device monitor stopped")
}

// Running reports whether the monitor is active.
func (m *deviceMonitor) Running() bool {
	if m == nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *deviceMonitor) monitorLoop(ctx context.Context, conn *netlink.UEventConn, quit <-chan struct{}) {
	queue := make(chan netlink.UEvent)
	errs := make(chan error)
	monitorQuit := conn.Monitor(queue, errs, m.buildMatcher())

	for {
		select {
		case <-ctx.Done():
			close(monitorQuit)
			return
		case <-quit:
			close(monitorQuit)
			return
		case uevent := <-queue:
			m.handleEvent(uevent)
		case err := <-errs:
			logging.WarnWithContext(m.logger, "netlink monitor error", "netlink_monitor_error",
				logging.String(logging.FieldErrorHint, "check kernel netlink subsystem"),
				logging.String(logging.FieldImpact, "device removal may go unnoticed"),
				logging.Error(err),
			)
		}
	}
}

// buildMatcher matches ACTION=remove on the configured subsystem.
func (m *deviceMonitor) buildMatcher() netlink.Matcher {
	action := "remove"
	rules := &netlink.RuleDefinitions{}
	rules.AddRule(netlink.RuleDefinition{
		Action: &action,
		Env: map[string]string{
			"SUBSYSTEM": m.subsystem,
		},
	})
	return rules
}

// handleEvent filters a matched uevent by vendor and reports the device.
func (m *deviceMonitor) handleEvent(uevent netlink.UEvent) {
	if !m.matchesVendor(uevent) {
		m.logger.Debug("ignoring removal of unrelated device", logging.String("kobj", uevent.KObj))
		return
	}
	dev := deviceName(uevent)
	m.logger.Info("acquisition device removed",
		logging.String(logging.FieldEventType, "device_removed"),
		logging.String("device", dev),
	)
	if m.onRemove != nil {
		m.onRemove(dev)
	}
}

// matchesVendor checks ID_VENDOR_ID, or the vendor half of PRODUCT for
// usb events that carry only PRODUCT=vid/pid/rev.
func (m *deviceMonitor) matchesVendor(uevent netlink.UEvent) bool {
	if m.vendorID == "" {
		return true
	}
	if v := strings.ToLower(uevent.Env["ID_VENDOR_ID"]); v != "" {
		return strings.TrimLeft(v, "0") == strings.TrimLeft(m.vendorID, "0")
	}
	if product := uevent.Env["PRODUCT"]; product != "" {
		vid, _, _ := strings.Cut(strings.ToLower(product), "/")
		return strings.TrimLeft(vid, "0") == strings.TrimLeft(m.vendorID, "0")
	}
	return false
}

// deviceName returns DEVNAME, or the last DEVPATH element.
func deviceName(uevent netlink.UEvent) string {
	if devname := uevent.Env["DEVNAME"]; devname != "" {
		return devname
	}
	devpath := uevent.Env["DEVPATH"]
	if devpath == "" {
		return uevent.KObj
	}
	parts := strings.Split(devpath, "/")
	return parts[len(parts)-1]
}
