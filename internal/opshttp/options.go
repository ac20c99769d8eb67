package opshttp

import (
	"net/http"

	"github.com/keithlinneman/linnemanlabs-pages/internal/health"
	"github.com/keithlinneman/linnemanlabs-pages/internal/log"
)

type Options struct {
	Logger      log.Logger
	Port        int
	Metrics     http.Handler
	EnablePprof bool
	Health      health.Probe
	Readiness   health.Probe

	// PrivateOnly rejects callers outside loopback and private ranges, and
	// anything relayed by a proxy.
	PrivateOnly bool

	UseRecoverMW bool
	OnPanic      func() // e.g. bump a prometheus counter
}
