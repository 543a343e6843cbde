package fswatch

import (
	"sort"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"

	"github.com/atelierhq/livesync/pkg/errors"
)

func TestExpandPaths(t *testing.T) {
	tests := []struct {
		name     string
		dirs     []string
		files    []string
		paths    []string
		expPaths []string
	}{
		{
			name: "Directory tree",
			dirs: []string{"/proj", "/proj/assets", "/proj/assets/scenes",
				"/proj/other"},
			files: []string{"/proj/assets/scene.png",
				"/proj/assets/scenes/intro.png", "/proj/other/notes.txt"},
			paths: []string{"/proj/assets"},
			expPaths: []string{"/proj/assets", "/proj/assets/scene.png",
				"/proj/assets/scenes", "/proj/assets/scenes/intro.png"},
		},
		{
			name:  "Watch file",
			dirs:  []string{"/proj"},
			files: []string{"/proj/project.atelier", "/proj/readme.txt"},
			paths: []string{"/proj/project.atelier"},
			expPaths: []string{"/proj", "/proj/project.atelier"},
		},
		{
			name: "File and tree together",
			dirs: []string{"/proj", "/proj/assets"},
			files: []string{"/proj/project.atelier", "/proj/assets/scene.png"},
			paths: []string{"/proj/project.atelier", "/proj/assets"},
			expPaths: []string{"/proj", "/proj/project.atelier",
				"/proj/assets", "/proj/assets/scene.png"},
		},
	}

	for _, test := range tests {
		fs = afero.NewMemMapFs()
		for _, dir := range test.dirs {
			assert.NoError(t, fs.Mkdir(dir, 0755))
		}
		for _, file := range test.files {
			assert.NoError(t, afero.WriteFile(fs, file, []byte("testfile"), 0644))
		}

		paths, err := expandPaths(test.paths)
		assert.NoError(t, err)

		// Sort for consistency.
		sort.Strings(test.expPaths)
		sort.Strings(paths)
		assert.Equal(t, test.expPaths, paths, test.name)
	}
}

func TestExpandPathsMissing(t *testing.T) {
	fs = afero.NewMemMapFs()

	_, err := expandPaths([]string{"/gone"})
	assert.Equal(t, errors.FileNotFound{Path: "/gone"}, err)
}

func TestCombineUpdates(t *testing.T) {
	t.Parallel()

	updates := make(chan fsnotify.Event, 1024)
	addEvents := func(num int) {
		for i := 0; i < num; i++ {
			updates <- fsnotify.Event{}
		}
	}

	// Seed with events.
	numUpdates := 100
	addEvents(numUpdates)
	combined := combineUpdates(updates)

	// Assert that the events are being combined.
	numCombined := countEvents(combined)
	assert.True(t, numCombined < numUpdates,
		"expected less combined events (%d) than %d", numCombined, numUpdates)

	// Add more events.
	addEvents(100)
	<-combined
}

func countEvents(c chan struct{}) (n int) {
	// Block until the first event.
	<-c
	n++

	// Count the number of events until there hasn't been any new events in 500
	// milliseconds.
	for {
		select {
		case <-c:
			n++
		case <-time.After(500 * time.Millisecond):
			return n
		}
	}
}
