// Package resources enumerates the project's typed asset directories.
package resources

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Golenspade/webgal-agent/internal/sandbox"
)

// Index is the list_project_resources payload: file names per category.
type Index struct {
	Backgrounds []string `json:"backgrounds"`
	Figures     []string `json:"figures"`
	BGM         []string `json:"bgm"`
	Vocals      []string `json:"vocals"`
	Scenes      []string `json:"scenes"`
}

var imageExts = []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp"}

var audioExts = []string{".mp3", ".ogg", ".wav", ".m4a", ".flac"}

var sceneExts = []string{".txt"}

// Collect lists each asset directory, filtered by the category's extension
// allow-list. Missing directories yield empty lists, never errors.
func Collect(sb *sandbox.Sandbox) Index {
	return Index{
		Backgrounds: listDir(sb, "game/background", imageExts),
		Figures:     listDir(sb, "game/figure", imageExts),
		BGM:         listDir(sb, "game/bgm", audioExts),
		Vocals:      listDir(sb, "game/vocal", audioExts),
		Scenes:      listDir(sb, "game/scene", sceneExts),
	}
}

func listDir(sb *sandbox.Sandbox, rel string, exts []string) []string {
	names := []string{}

	abs, err := sb.Validate(rel)
	if err != nil {
		return names
	}

	entries, err := os.ReadDir(abs)
	if err != nil {
		return names
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		ext := strings.ToLower(filepath.Ext(entry.Name()))
		for _, allowed := range exts {
			if ext == allowed {
				names = append(names, entry.Name())

				break
			}
		}
	}

	sort.Strings(names)

	return names
}
