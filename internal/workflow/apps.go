package workflow

import "os"

// ListApps returns the app ids available under the workflows directory,
// one per subdirectory. A missing directory yields an empty list.
func ListApps(dir string) []string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var apps []string
	for _, entry := range entries {
		if entry.IsDir() {
			apps = append(apps, entry.Name())
		}
	}
	return apps
}
