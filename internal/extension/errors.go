package extension

import "errors"

var (
	ErrPathInvalid                = errors.New("custom node library path is invalid")
	ErrAlreadyLoaded              = errors.New("custom node library is already loaded")
	ErrAlreadyLoadedDifferentPath = errors.New("custom node library with this name is already loaded from a different path")
	ErrLoadFailedOpen             = errors.New("custom node library could not be opened")
	ErrLoadFailedSymbol           = errors.New("custom node library is missing a required symbol")
	ErrLibraryMissing             = errors.New("custom node library is not loaded")
)
