package worker

import (
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// IDE project files that are never needed by a remote build.
var transferIgnore = []string{
	"**/nbproject/private/*.properties",
	"**/nbproject/private/*timestamp*",
	"**/nbproject/private/cache/**",
	"**/nbproject/private/tmp/**",
	"**/.idea/workspace.xml",
	"**/.idea/shelf/**",
	"**/.vscode/ipch/**",
	"**/.rfs_marker_*",
}

func ignoredForTransfer(local string) bool {
	p := strings.TrimPrefix(filepath.ToSlash(local), "/")
	for _, pattern := range transferIgnore {
		if ok, _ := doublestar.Match(pattern, p); ok {
			return true
		}
	}
	return false
}
