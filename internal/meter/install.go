package meter

import (
	"net/http"
	"sync"

	"github.com/rs/zerolog/log"
)

var (
	installMu sync.Mutex
	installed *Transport
	previous  http.RoundTripper
)

// Install replaces http.DefaultTransport with a metering Transport so every
// client using the default transport is metered. Installing twice returns
// the transport already installed.
func Install(m *Meter, opts ...TransportOption) *Transport {
	installMu.Lock()
	defer installMu.Unlock()

	if installed != nil {
		return installed
	}
	previous = http.DefaultTransport
	installed = NewTransport(m, append([]TransportOption{WithBase(previous)}, opts...)...)
	http.DefaultTransport = installed
	log.Info().Msg("meter: installed on http.DefaultTransport")
	return installed
}

// Uninstall restores the transport that Install replaced. It reports
// whether anything was uninstalled. A DefaultTransport replaced by someone
// else since Install is left in place.
func Uninstall() bool {
	installMu.Lock()
	defer installMu.Unlock()

	if installed == nil {
		return false
	}
	if http.DefaultTransport == http.RoundTripper(installed) {
		http.DefaultTransport = previous
	} else {
		log.Warn().Msg("meter: http.DefaultTransport was replaced after Install, leaving it in place")
	}
	installed = nil
	previous = nil
	log.Info().Msg("meter: uninstalled from http.DefaultTransport")
	return true
}

// Installed reports whether Install is in effect.
func Installed() bool {
	installMu.Lock()
	defer installMu.Unlock()
	return installed != nil
}
