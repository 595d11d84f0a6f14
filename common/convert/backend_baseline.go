//go:build !libwebp

package convert

// acceleratedCompiled is false unless built with -tags libwebp
const acceleratedCompiled = false

func newAcceleratedBackend() Backend {
	return baselineBackend{}
}
