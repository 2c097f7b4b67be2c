package app

import "github.com/prometheus/client_golang/prometheus"

type buildOptions struct {
	registerer prometheus.Registerer
}

type BuildOption func(*buildOptions)

// WithRegisterer registers metrics on reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) BuildOption {
	return func(o *buildOptions) { o.registerer = reg }
}
