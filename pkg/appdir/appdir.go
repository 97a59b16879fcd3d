package appdir

import (
	"log"
	"os"
	"path"
	"sync"
)

const dirName = ".slimetracker"

var (
	mu          sync.Mutex
	appDirCache string
)

// AppDir returns the per-user state directory, creating it on first use.
func AppDir() string {
	mu.Lock()
	defer mu.Unlock()
	if appDirCache == "" {
		s, err := os.UserHomeDir()
		if err != nil {
			log.Fatalf("%v", err)
		}
		appDirCache = path.Join(s, dirName)
		ensureDirectory(appDirCache)
	}
	return appDirCache
}

// SetAppDir relocates the state directory, for tests and custom installs.
func SetAppDir(dir string) {
	mu.Lock()
	defer mu.Unlock()
	appDirCache = dir
	ensureDirectory(dir)
}

// Path joins name onto the state directory.
func Path(name string) string {
	return path.Join(AppDir(), name)
}

func ensureDirectory(dir string) {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		os.MkdirAll(dir, 0755)
	}
}
