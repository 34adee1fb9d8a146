//go:build !linux

package hostmem

func mapAnonymous(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapAnonymous(mem []byte) error {
	return nil
}
