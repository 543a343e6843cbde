package config

import "github.com/spf13/afero"

// fs is the filesystem the package reads configs from. Tests swap in an
// afero.NewMemMapFs().
var fs = afero.NewOsFs()
