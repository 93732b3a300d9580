package portal

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/eligibility-agent/internal/browser"
	"github.com/shehryarbajwa/eligibility-agent/internal/config"
	"github.com/shehryarbajwa/eligibility-agent/internal/cookiejar"
	"github.com/shehryarbajwa/eligibility-agent/internal/credential"
	"github.com/shehryarbajwa/eligibility-agent/internal/orchestrator"
)

// ErrUnknownPortal is returned for portals that are not enabled.
var ErrUnknownPortal = errors.New("unknown portal")

// Portal bundles the resources the agent keeps for one portal.
type Portal struct {
	Definition  Definition
	Browser     *browser.Manager
	Credentials *credential.Store
	Jar         *cookiejar.Store
	Target      *orchestrator.Target
}

// Manager owns every enabled portal.
type Manager struct {
	portals map[string]*Portal
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewManager builds the enabled portals. Each gets its own profile
// directory under the data directory.
func NewManager(cfg *config.Config, launcher browser.Launcher, onLaunch func(portal string), logger *zap.Logger) (*Manager, error) {
	manager := &Manager{
		portals: make(map[string]*Portal),
		logger:  logger,
	}

	for _, name := range cfg.Portals {
		def, ok := Lookup(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownPortal, name)
		}
		p, err := newPortal(cfg, def, launcher, onLaunch, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to set up portal %s: %w", def.Name, err)
		}
		manager.portals[def.Name] = p
	}

	return manager, nil
}

func newPortal(cfg *config.Config, def Definition, launcher browser.Launcher, onLaunch func(string), logger *zap.Logger) (*Portal, error) {
	profileDir := filepath.Join(cfg.Browser.DataDir, "chrome_profile_"+def.Name)

	creds, err := credential.NewStore(profileDir)
	if err != nil {
		return nil, err
	}
	var jar *cookiejar.Store
	if def.CookieJar {
		if jar, err = cookiejar.NewStore(def.Name, profileDir); err != nil {
			return nil, err
		}
	}

	bm, err := browser.NewManager(launcher, browser.Options{
		Portal:      def.Name,
		ProfileDir:  profileDir,
		DownloadDir: cfg.Browser.DownloadDir,
		ClearPaths:  cfg.Browser.ClearPaths,
		Jar:         jar,
		Credentials: creds,
		OnLaunch:    onLaunch,
	}, logger)
	if err != nil {
		return nil, err
	}

	return &Portal{
		Definition:  def,
		Browser:     bm,
		Credentials: creds,
		Jar:         jar,
		Target: &orchestrator.Target{
			Name:         def.Name,
			Kind:         def.Name + "_eligibility",
			Browser:      bm,
			Credentials:  creds,
			Driver:       NewEligibilityDriver(def, bm.DownloadDir(), logger),
			Strategy:     def.Strategy,
			OTPTimeout:   cfg.Session.OTPTimeoutFor(def.Name),
			PollInterval: cfg.Session.PollInterval,
			AfterRun:     def.AfterRun,
			Headless:     cfg.Browser.Headless,
		},
	}, nil
}

// Get returns an enabled portal.
func (m *Manager) Get(name string) (*Portal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, exists := m.portals[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPortal, name)
	}
	return p, nil
}

// Names returns the enabled portals in order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.portals))
	for name := range m.portals {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ClearSessionArtifacts wipes the persisted session state of every portal
// so the first run after a restart logs in fresh.
func (m *Manager) ClearSessionArtifacts() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []error
	for name, p := range m.portals {
		if err := p.Browser.ClearSessionArtifacts(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Close quits every portal's browser.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, p := range m.portals {
		p.Browser.Quit()
	}
}
