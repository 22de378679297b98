package slabcache

import "src.userspace.com.au/logger"

// Option configures a Slab.
type Option func(*Slab) error

// SetLogger sets the logger.
func SetLogger(l logger.Logger) Option {
	return func(s *Slab) error {
		s.log = l
		return nil
	}
}
