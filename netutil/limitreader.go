package netutil

import "io"

// ReadAtMost reads up to limit bytes from r. truncated reports whether r
// held more data than limit.
func ReadAtMost(r io.Reader, limit int64) (data []byte, truncated bool, err error) {
	data, err = io.ReadAll(io.LimitReader(r, limit+1))
	if int64(len(data)) > limit {
		return data[:limit], true, err
	}
	return data, false, err
}
