//go:build !(linux && amd64)

package inject

// nativeArch is nil where no call stub exists; Inject then fails with stage "arch".
func nativeArch() Arch { return nil }
