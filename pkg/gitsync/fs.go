package gitsync

import "github.com/spf13/afero"

var fs = afero.NewOsFs()
