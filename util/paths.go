package util

import (
	"os"
	"path/filepath"
)

// DataDir returns the root directory for blelink runtime state.
// Tests point BLELINK_DIR at a temp directory to isolate devices.
func DataDir() string {
	if envDir := os.Getenv("BLELINK_DIR"); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		panic(err)
	}
	return filepath.Join(home, ".blelink")
}

// SocketDir returns the directory holding one Unix domain socket per
// simulated device.
func SocketDir() string {
	dir := filepath.Join(DataDir(), "sockets")
	if err := os.MkdirAll(dir, 0755); err != nil {
		panic(err)
	}
	return dir
}

// AdvertDir returns the directory where simulated devices publish their
// advertising payloads.
func AdvertDir() string {
	dir := filepath.Join(DataDir(), "adverts")
	if err := os.MkdirAll(dir, 0755); err != nil {
		panic(err)
	}
	return dir
}
