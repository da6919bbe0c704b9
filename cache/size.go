package cache

import (
	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackSizer estimates size as the length of the msgpack encoding.
func MsgpackSizer(val any) (int64, error) {
	if val == nil {
		return 0, nil
	}
	if b, ok := val.([]byte); ok {
		return int64(len(b)), nil
	}
	if s, ok := val.(string); ok {
		return int64(len(s)), nil
	}
	data, err := msgpack.Marshal(val)
	if err != nil {
		return 0, errors.Wrapf(err, "cache: cannot estimate size of %T", val)
	}
	return int64(len(data)), nil
}

// estimate never fails: errors and panics in the sizer degrade to 0.
func (s *Store) estimate(key string, val any) (size int64) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("size estimation for %s panicked: %v", key, r)
			size = 0
		}
	}()
	n, err := s.cfg.sizer(val)
	if err != nil {
		s.logger.Warn("size estimation for %s failed: %s", key, err)
		return 0
	}
	if n < 0 {
		s.logger.Warn("size estimation for %s returned negative size %d", key, n)
		return 0
	}
	return n
}
