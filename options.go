package unfs

import "go.uber.org/zap"

// config collects construction knobs shared by Open, Format and Check.
type config struct {
	log     *zap.Logger
	maxSegs int
}

// Option adjusts filesystem construction.
type Option func(*config)

func applyOptions(opts []Option) *config {
	cfg := &config{
		log:     zap.NewNop(),
		maxSegs: MaxSegments,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	return cfg
}

// WithLogger attaches a structured logger. The default discards everything.
func WithLogger(log *zap.Logger) Option {
	return func(cfg *config) {
		if log != nil {
			cfg.log = log
		}
	}
}

// WithMaxSegments lowers the per-file segment limit below the on-disk
// maximum. The test harness uses small limits to force merge-on-overflow
// early; values outside [1, MaxSegments] are clamped.
func WithMaxSegments(n int) Option {
	return func(cfg *config) {
		if n < 1 {
			n = 1
		}
		if n > MaxSegments {
			n = MaxSegments
		}
		cfg.maxSegs = n
	}
}
